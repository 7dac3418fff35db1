package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/poller"
	"loom/internal/queue"
	"loom/internal/services/llm"
	"loom/internal/stage"
)

// settingEnabled is the settings key that persists the scheduler on/off
// switch across daemon restarts.
const settingEnabled = "scheduler_enabled"

// dueBatchSize bounds how many due schedules one tick claims.
const dueBatchSize = 10

// Status describes the scheduler state for the API surface.
type Status struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// Service is the automation scheduler. It polls for due schedules, claims
// them atomically, and drives each claimed schedule through the pipeline
// stages in a detached goroutine. A second poller sweeps schedules whose
// pipelines stalled.
type Service struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service
	llm      *llm.Client
	handlers map[queue.StageName]stage.Handler

	duePoller   *poller.Poller
	sweepPoller *poller.Poller

	mu         sync.Mutex
	enabled    bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	executions sync.WaitGroup
}

// New constructs the scheduler. The persisted enabled flag is read here, in
// the constructor, so the daemon's wiring stays free of import-time side
// effects; a missing setting defaults to enabled.
func New(
	ctx context.Context,
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	notifier notifications.Service,
	llmClient *llm.Client,
	handlers map[queue.StageName]stage.Handler,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if len(handlers) == 0 {
		return nil, errors.New("scheduler requires stage handlers")
	}
	for _, name := range queue.DefaultStages {
		if _, ok := handlers[name]; !ok {
			return nil, fmt.Errorf("scheduler missing handler for stage %s", name)
		}
	}
	serviceLogger := logging.NewComponentLogger(logger, "scheduler")

	enabled := true
	if value, err := store.Setting(ctx, settingEnabled); err != nil {
		return nil, fmt.Errorf("read scheduler setting: %w", err)
	} else if strings.TrimSpace(value) != "" {
		enabled = value == "true"
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		logger:   serviceLogger,
		notifier: notifier,
		llm:      llmClient,
		handlers: handlers,
		enabled:  enabled,
	}
	s.duePoller = poller.New("scheduler", s.pollInterval(), serviceLogger, s.tick)
	s.sweepPoller = poller.New("stuck-sweep", s.sweepInterval(), serviceLogger, s.sweep)
	return s, nil
}

func (s *Service) pollInterval() time.Duration {
	if s.cfg != nil && s.cfg.Scheduler.PollInterval > 0 {
		return time.Duration(s.cfg.Scheduler.PollInterval) * time.Second
	}
	return 30 * time.Second
}

func (s *Service) sweepInterval() time.Duration {
	if s.cfg != nil && s.cfg.Scheduler.SweepInterval > 0 {
		return time.Duration(s.cfg.Scheduler.SweepInterval) * time.Second
	}
	return time.Minute
}

func (s *Service) stuckTimeout() time.Duration {
	if s.cfg != nil && s.cfg.Scheduler.StuckTimeoutMinutes != 0 {
		return time.Duration(s.cfg.Scheduler.StuckTimeoutMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// Start launches the pollers when the scheduler is enabled. The supplied
// context is the root for every detached pipeline execution.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rootCancel != nil {
		return errors.New("scheduler already started")
	}
	s.rootCtx, s.rootCancel = context.WithCancel(ctx)
	if !s.enabled {
		if s.logger != nil {
			s.logger.Info("scheduler disabled; pollers idle")
		}
		return nil
	}
	return s.startPollersLocked()
}

func (s *Service) startPollersLocked() error {
	if err := s.duePoller.Start(s.rootCtx); err != nil {
		return err
	}
	if err := s.sweepPoller.Start(s.rootCtx); err != nil {
		s.duePoller.Stop()
		return err
	}
	return nil
}

// Stop halts the pollers and waits for in-flight pipeline executions.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.rootCancel
	s.rootCancel = nil
	s.mu.Unlock()

	s.duePoller.Stop()
	s.sweepPoller.Stop()
	if cancel != nil {
		cancel()
	}
	s.executions.Wait()
}

// Enable persists the on switch and starts the pollers if needed.
func (s *Service) Enable(ctx context.Context) error {
	if err := s.store.SetSetting(ctx, settingEnabled, "true"); err != nil {
		return fmt.Errorf("persist scheduler setting: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	if s.rootCancel != nil && !s.duePoller.Running() {
		return s.startPollersLocked()
	}
	return nil
}

// Disable persists the off switch and halts the pollers. Pipeline
// executions already in flight run to completion.
func (s *Service) Disable(ctx context.Context) error {
	if err := s.store.SetSetting(ctx, settingEnabled, "false"); err != nil {
		return fmt.Errorf("persist scheduler setting: %w", err)
	}
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	s.duePoller.Stop()
	s.sweepPoller.Stop()
	return nil
}

// Status reports the persisted switch and live poller state.
func (s *Service) Status() Status {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	return Status{Enabled: enabled, Running: s.duePoller.Running()}
}

// TriggerNow wakes the due-schedule poller without waiting for a tick.
func (s *Service) TriggerNow() {
	s.duePoller.TriggerNow()
}

// StageHealth reports the readiness of every stage handler.
func (s *Service) StageHealth(ctx context.Context) []stage.Health {
	healths := make([]stage.Health, 0, len(queue.DefaultStages))
	for _, name := range queue.DefaultStages {
		if handler, ok := s.handlers[name]; ok {
			healths = append(healths, handler.HealthCheck(ctx))
		}
	}
	return healths
}

// tick is one scheduler cycle: create schedules for auto-managed channels,
// then claim and launch every due schedule.
func (s *Service) tick(ctx context.Context) error {
	if s.cfg != nil && s.cfg.Scheduler.AutoSchedule {
		s.autoSchedule(ctx)
	}

	due, err := s.store.DueSchedules(ctx, time.Now(), dueBatchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, schedule := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := s.store.ClaimSchedule(ctx, schedule.ID)
		if err != nil {
			return fmt.Errorf("claim schedule %d: %w", schedule.ID, err)
		}
		if !claimed {
			continue
		}
		s.launch(schedule.ID)
	}
	return s.resumeParked(ctx)
}

// resumeParked relaunches schedules parked in waiting_for_upload once the
// user's media file shows up in the drop directory. The conditional resume
// keeps two ticks from relaunching the same schedule.
func (s *Service) resumeParked(ctx context.Context) error {
	if s.cfg == nil {
		return nil
	}
	parked, err := s.store.ListSchedules(ctx, []queue.ScheduleStatus{queue.ScheduleWaitingForUpload}, dueBatchSize)
	if err != nil {
		return fmt.Errorf("list parked schedules: %w", err)
	}
	for _, schedule := range parked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		media, err := stage.MediaForTitle(s.cfg.MediaDir(), schedule.TitleID)
		if err != nil {
			s.logger.Warn("media check failed",
				logging.Int64(logging.FieldScheduleID, schedule.ID),
				logging.Error(err),
			)
			continue
		}
		if media == "" {
			continue
		}
		resumed, err := s.store.ResumeSchedule(ctx, schedule.ID)
		if err != nil {
			return fmt.Errorf("resume schedule %d: %w", schedule.ID, err)
		}
		if !resumed {
			continue
		}
		s.logger.Info("uploaded media detected; resuming schedule",
			logging.Int64(logging.FieldScheduleID, schedule.ID),
			logging.String("media_path", media),
			logging.String(logging.FieldEventType, "automation_resumed"),
		)
		if err := s.store.AppendTitleLog(ctx, schedule.TitleID, "info", "uploaded media detected; resuming automation"); err != nil {
			s.logger.Warn("failed to record resume log", logging.Error(err))
		}
		s.launch(schedule.ID)
	}
	return nil
}

// launch runs the pipeline for a claimed schedule in a detached goroutine
// tied to the service root context rather than the caller's.
func (s *Service) launch(scheduleID int64) {
	s.mu.Lock()
	root := s.rootCtx
	s.mu.Unlock()
	if root == nil || root.Err() != nil {
		return
	}
	s.executions.Add(1)
	go func() {
		defer s.executions.Done()
		s.executePipeline(root, scheduleID)
	}()
}

// sweep fails schedules whose pipelines show no progress past the stuck
// cutoff.
func (s *Service) sweep(ctx context.Context) error {
	_, err := s.CleanupStuck(ctx)
	return err
}
