package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/daemon"
	"loom/internal/daemonctl"
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

func startTestDaemon(t *testing.T, cfg *config.Config, store *queue.Store) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	handlers := make(map[queue.StageName]stage.Handler)
	for _, name := range queue.DefaultStages {
		handlers[name] = noopHandler{name: name}
	}
	sched, err := scheduler.New(ctx, cfg, store, logging.NewNop(), nil, nil, handlers)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	pool := worker.NewPool(cfg, store, logging.NewNop(), nil)
	pool.Register(queue.TaskScript, worker.ExecutorFunc(func(ctx context.Context, task *queue.Task) (string, error) {
		return "", nil
	}))
	d, err := daemon.New(cfg, store, logging.NewNop(), sched, pool, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}

	socketPath := filepath.Join(cfg.Paths.LogDir, "ctl.sock")
	srv, err := ipc.NewServer(ctx, socketPath, d, logging.NewNop())
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Stop()
	})
	return socketPath
}

func TestProcessInfoReportsRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	socketPath := startTestDaemon(t, cfg, store)

	running, pid, err := daemonctl.ProcessInfo(socketPath)
	if err != nil {
		t.Fatalf("ProcessInfo: %v", err)
	}
	if !running {
		t.Fatal("expected running daemon")
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}
}

func TestProcessInfoMissingSocket(t *testing.T) {
	running, pid, err := daemonctl.ProcessInfo(filepath.Join(t.TempDir(), "absent.sock"))
	if err != nil {
		t.Fatalf("ProcessInfo: %v", err)
	}
	if running || pid != 0 {
		t.Fatalf("expected offline result, got running=%v pid=%d", running, pid)
	}
}

func TestStopAndTerminateWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := daemonctl.StopAndTerminate(filepath.Join(t.TempDir(), "absent.sock"), cfg, time.Second)
	if !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestWaitForClientTimesOut(t *testing.T) {
	start := time.Now()
	_, err := daemonctl.WaitForClient(filepath.Join(t.TempDir(), "absent.sock"), 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}
}

func TestBuildStatusSnapshotOfflineFallback(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	if _, err := store.Enqueue(context.Background(), queue.NewTask{Type: queue.TaskScript}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	store.Close()

	snapshot, err := daemonctl.BuildStatusSnapshot(context.Background(), filepath.Join(t.TempDir(), "absent.sock"), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if snapshot.Running {
		t.Fatal("snapshot should report daemon offline")
	}
	if snapshot.QueueStats["waiting"] != 1 {
		t.Fatalf("expected offline queue stats, got %+v", snapshot.QueueStats)
	}
	if snapshot.DBPath != cfg.DatabasePath() {
		t.Fatalf("expected db path %q, got %q", cfg.DatabasePath(), snapshot.DBPath)
	}
}

func TestBuildStatusSnapshotLiveDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	socketPath := startTestDaemon(t, cfg, store)

	snapshot, err := daemonctl.BuildStatusSnapshot(context.Background(), socketPath, cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if !snapshot.Running {
		t.Fatal("snapshot should report daemon running")
	}
	if snapshot.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), snapshot.PID)
	}
}

func TestDeriveLogDir(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if got := daemonctl.DeriveLogDir("/var/log/loom/loomd.lock", "", nil); got != "/var/log/loom" {
		t.Fatalf("lock path precedence failed, got %q", got)
	}
	if got := daemonctl.DeriveLogDir("", "", cfg); got != cfg.Paths.LogDir {
		t.Fatalf("config fallback failed, got %q", got)
	}
	if got := daemonctl.DeriveLogDir("", "/data/loom.db", nil); got != "/data" {
		t.Fatalf("db path fallback failed, got %q", got)
	}
}
