package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/poller"
	"loom/internal/queue"
	"loom/internal/services"
)

// Pool claims queue tasks and runs the registered executor for each task
// type. One poller per type drains the waiting backlog; a shared reclaim
// poller requeues tasks whose worker heartbeat went silent.
type Pool struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service

	mu        sync.Mutex
	executors map[queue.TaskType]Executor
	pollers   []*poller.Poller
	started   bool

	heartbeatInterval time.Duration
}

// NewPool constructs a worker pool.
func NewPool(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service) *Pool {
	poolLogger := logging.NewComponentLogger(logger, "worker")
	interval := 5 * time.Second
	if cfg != nil && cfg.Queue.HeartbeatInterval > 0 {
		interval = time.Duration(cfg.Queue.HeartbeatInterval) * time.Second
	}
	return &Pool{
		cfg:               cfg,
		store:             store,
		logger:            poolLogger,
		notifier:          notifier,
		executors:         make(map[queue.TaskType]Executor),
		heartbeatInterval: interval,
	}
}

// Register binds an executor to a task type. Must be called before Start.
func (p *Pool) Register(taskType queue.TaskType, executor Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[taskType] = executor
}

// Start launches one poller per registered task type plus the reclaim sweep.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	if len(p.executors) == 0 {
		return errors.New("worker pool has no executors registered")
	}

	pollInterval := 5 * time.Second
	if p.cfg != nil && p.cfg.Queue.PollInterval > 0 {
		pollInterval = time.Duration(p.cfg.Queue.PollInterval) * time.Second
	}
	for taskType, executor := range p.executors {
		tt, exec := taskType, executor
		pl := poller.New("worker-"+string(tt), pollInterval, p.logger, func(runCtx context.Context) error {
			return p.drain(runCtx, tt, exec)
		})
		if err := pl.Start(ctx); err != nil {
			return err
		}
		p.pollers = append(p.pollers, pl)
	}

	reclaimInterval := p.heartbeatTimeout()
	reclaim := poller.New("worker-reclaim", reclaimInterval, p.logger, p.reclaim)
	if err := reclaim.Start(ctx); err != nil {
		return err
	}
	p.pollers = append(p.pollers, reclaim)
	p.started = true
	return nil
}

// Stop halts all pollers and waits for in-flight work.
func (p *Pool) Stop() {
	p.mu.Lock()
	pollers := p.pollers
	p.pollers = nil
	p.started = false
	p.mu.Unlock()
	for _, pl := range pollers {
		pl.Stop()
	}
}

// TriggerNow wakes every worker poller without waiting for the next tick.
func (p *Pool) TriggerNow() {
	p.mu.Lock()
	pollers := append([]*poller.Poller(nil), p.pollers...)
	p.mu.Unlock()
	for _, pl := range pollers {
		pl.TriggerNow()
	}
}

func (p *Pool) heartbeatTimeout() time.Duration {
	if p.cfg != nil && p.cfg.Queue.HeartbeatTimeout > 0 {
		return time.Duration(p.cfg.Queue.HeartbeatTimeout) * time.Second
	}
	return time.Minute
}

func (p *Pool) drain(ctx context.Context, taskType queue.TaskType, executor Executor) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := p.store.ClaimTask(ctx, taskType)
		if err != nil {
			return fmt.Errorf("claim %s task: %w", taskType, err)
		}
		if task == nil {
			return nil
		}
		p.process(ctx, task, executor)
	}
}

func (p *Pool) process(ctx context.Context, task *queue.Task, executor Executor) {
	ctx = services.WithTaskID(ctx, task.ID)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, p.logger)
	logger.Info("task started",
		logging.String("task_type", string(task.Type)),
		logging.Int("retry_count", task.RetryCount),
		logging.String(logging.FieldEventType, "task_started"),
	)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var cancelSeen bool
	heartbeatDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if err := p.store.UpdateTaskHeartbeat(ctx, task.ID); err != nil {
					logger.Warn("heartbeat update failed", logging.Error(err))
				}
				requested, err := p.store.TaskCancelRequested(ctx, task.ID)
				if err != nil {
					logger.Warn("cancel flag check failed", logging.Error(err))
					continue
				}
				if requested {
					cancelSeen = true
					cancelExec()
					return
				}
			}
		}
	}()

	result, execErr := executor.Execute(execCtx, task)
	close(heartbeatDone)
	wg.Wait()

	// Bookkeeping must survive the run context being cancelled by Stop.
	storeCtx := context.WithoutCancel(ctx)

	if cancelSeen || errors.Is(execErr, context.Canceled) {
		acked, err := p.store.AcknowledgeCancelTask(storeCtx, task.ID)
		if err != nil {
			logger.Error("cancel acknowledgement failed", logging.Error(err))
			return
		}
		if acked {
			logger.Info("task cancelled", logging.String(logging.FieldEventType, "task_cancelled"))
			return
		}
	}

	// A run interrupted by shutdown rather than an explicit cancel goes back
	// to the waiting queue instead of failing permanently.
	if errors.Is(execErr, context.Canceled) && !cancelSeen {
		requeued, err := p.store.RequeueTask(storeCtx, task.ID)
		if err != nil {
			logger.Error("failed to requeue interrupted task", logging.Error(err))
			return
		}
		if requeued {
			logger.Info("task requeued after interrupted run",
				logging.String(logging.FieldEventType, "task_requeued"),
			)
			return
		}
	}

	if execErr != nil {
		logger.Error("task failed",
			logging.Error(execErr),
			logging.String(logging.FieldEventType, "task_failed"),
		)
		if err := p.store.FailTask(storeCtx, task.ID, execErr.Error()); err != nil {
			logger.Error("failed to record task failure", logging.Error(err))
		}
		if p.notifier != nil {
			if err := p.notifier.NotifyTaskFailed(ctx, string(task.Type), task.ID, execErr.Error()); err != nil {
				logger.Warn("task failure notification failed", logging.Error(err))
			}
		}
		return
	}

	if err := p.store.CompleteTask(ctx, task.ID, result); err != nil {
		logger.Error("failed to record task completion", logging.Error(err))
		return
	}
	logger.Info("task completed", logging.String(logging.FieldEventType, "task_completed"))
}

func (p *Pool) reclaim(ctx context.Context) error {
	cutoff := time.Now().Add(-p.heartbeatTimeout())
	reclaimed, err := p.store.ReclaimStaleTasks(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reclaim stale tasks: %w", err)
	}
	if reclaimed > 0 {
		logging.WarnWithContext(p.logger, "reclaimed stale tasks", "tasks_reclaimed",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldErrorHint, "a worker stopped heartbeating; check for crashed executors"),
			logging.String(logging.FieldImpact, "affected tasks restart from the waiting queue"),
		)
	}
	return nil
}
