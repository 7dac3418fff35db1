package daemon_test

import (
	"context"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/daemon"
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

func newTestDaemon(t *testing.T, cfg *config.Config, store *queue.Store) *daemon.Daemon {
	t.Helper()
	ctx := context.Background()
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
	return d
}

func TestDaemonLifecycleAndLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:0"
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	d := newTestDaemon(t, cfg, store)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("daemon should report running")
	}
	if status.PID == 0 {
		t.Fatal("daemon should report its pid")
	}
	if status.Stats == nil {
		t.Fatal("daemon status should include queue stats")
	}
	if d.APIAddr() == "" {
		t.Fatal("api server should be listening")
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("second Start on a running daemon must fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("daemon should report stopped after Stop")
	}
	// Stop is idempotent.
	d.Stop()
}

func TestDaemonLockExcludesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := newTestDaemon(t, cfg, store)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(first.Stop)

	second := newTestDaemon(t, cfg, store)
	err := second.Start(ctx)
	if err == nil {
		second.Stop()
		t.Fatal("second instance must fail to acquire the lock")
	}
}

func TestDaemonForceExecuteRunsPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	d := newTestDaemon(t, cfg, store)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)

	title := testsupport.NewTitle(t, store, "user-1", "On Demand Run")
	scheduleID, err := d.ForceExecute(ctx, title.ID)
	if err != nil {
		t.Fatalf("ForceExecute: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		schedule, err := store.GetSchedule(ctx, scheduleID)
		if err != nil {
			t.Fatalf("GetSchedule: %v", err)
		}
		if schedule != nil && schedule.Status == queue.ScheduleCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("forced schedule never completed")
}
