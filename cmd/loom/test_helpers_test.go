package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/config"
	"loom/internal/crawl"
	"loom/internal/daemon"
	"loom/internal/ipc"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/scheduler"
	"loom/internal/stage"
	"loom/internal/testsupport"
	"loom/internal/worker"
)

type noopHandler struct{ name queue.StageName }

func (h noopHandler) Prepare(ctx context.Context, job *stage.Job) error { return nil }
func (h noopHandler) Execute(ctx context.Context, job *stage.Job) error { return nil }
func (h noopHandler) HealthCheck(ctx context.Context) stage.Health      { return stage.Healthy(string(h.name)) }

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	daemon     *daemon.Daemon
	socketPath string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)

	handlers := make(map[queue.StageName]stage.Handler)
	for _, name := range queue.DefaultStages {
		handlers[name] = noopHandler{name: name}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sched, err := scheduler.New(ctx, cfg, store, logging.NewNop(), nil, nil, handlers)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	pool := worker.NewPool(cfg, store, logging.NewNop(), nil)
	pool.Register(queue.TaskScript, worker.ExecutorFunc(func(ctx context.Context, task *queue.Task) (string, error) {
		return "", nil
	}))

	crawler := crawl.NewWorker(cfg, store, logging.NewNop())

	d, err := daemon.New(cfg, store, logging.NewNop(), sched, pool, crawler, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}

	socketPath := filepath.Join(cfg.Paths.LogDir, "cli.sock")
	srv, err := ipc.NewServer(ctx, socketPath, d, logging.NewNop())
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	configPath := filepath.Join(cfg.Paths.LogDir, "config.toml")
	writeTestConfig(t, configPath, cfg)

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Stop()
	})

	return &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		socketPath: socketPath,
		configPath: configPath,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nlog_dir = %q\n\n[llm]\napi_key = %q\n",
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		"test",
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
