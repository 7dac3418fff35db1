// Package daemonrun wires configuration, storage, workers, and transports into
// a running loom daemon process.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"loom/internal/config"
	"loom/internal/crawl"
	"loom/internal/daemon"
	"loom/internal/ipc"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/queue"
	"loom/internal/scheduler"
	"loom/internal/services/llm"
	"loom/internal/services/render"
	"loom/internal/stage"
	"loom/internal/worker"
)

// Options tunes daemon startup behavior beyond what the config file carries.
type Options struct {
	LogLevel    string
	Development bool
	SocketPath  string
}

// Run starts the full daemon and blocks until the context is cancelled or a
// termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("configuration is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("loom-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update loom.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "loom-*.log", Exclude: []string{logPath}},
	)

	pidPath := filepath.Join(cfg.Paths.LogDir, "loom.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}
	defer store.Close()

	notifier := notifications.NewService(cfg)
	llmSettings := cfg.GetLLM()
	llmClient := llm.NewClient(llm.Config{
		APIKey:         llmSettings.APIKey,
		BaseURL:        llmSettings.BaseURL,
		Model:          llmSettings.Model,
		Referer:        llmSettings.Referer,
		Title:          llmSettings.Title,
		TimeoutSeconds: llmSettings.TimeoutSeconds,
	})

	sched, err := scheduler.New(signalCtx, cfg, store, logger, notifier, llmClient, stageHandlers(cfg, store, logger))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	renderClient := render.NewCLI(
		render.WithBinary(cfg.RenderBinary()),
		render.WithWorkDir(cfg.Render.WorkDir),
	)
	pool := worker.NewPool(cfg, store, logger, notifier)
	pool.Register(queue.TaskScript, worker.NewScriptExecutor(llmClient))
	pool.Register(queue.TaskImage, worker.NewImageExecutor(llmClient))
	pool.Register(queue.TaskVideo, worker.NewVideoExecutor(cfg, store, renderClient, logger))

	crawler := crawl.NewWorker(cfg, store, logger)

	d, err := daemon.New(cfg, store, logger, sched, pool, crawler, notifier)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = buildSocketPath(cfg)
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return err
	}

	<-signalCtx.Done()
	logger.Info("loom daemon shutting down")
	return nil
}

func stageHandlers(cfg *config.Config, store *queue.Store, logger *slog.Logger) map[queue.StageName]stage.Handler {
	return map[queue.StageName]stage.Handler{
		queue.StageScript: stage.NewScript(cfg, store, logger),
		queue.StageImage:  stage.NewImage(cfg, store, logger),
		queue.StageVideo:  stage.NewVideo(cfg, store, logger),
		queue.StageUpload: stage.NewUpload(cfg, store, logger),
	}
}

func buildSocketPath(cfg *config.Config) string {
	if cfg == nil {
		return filepath.Join("", "loom.sock")
	}
	return filepath.Join(cfg.Paths.LogDir, "loom.sock")
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "loom.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err == nil {
		return nil
	}
	return fmt.Errorf("link log pointer for %s", target)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
