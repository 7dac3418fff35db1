package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/stage"
)

// executePipeline drives one claimed schedule through every stage in order.
// Stage rows gate the work: a stage only runs when its conditional
// pending-to-running update wins, so a concurrent executor for the same
// schedule cannot run a stage twice.
func (s *Service) executePipeline(ctx context.Context, scheduleID int64) {
	ctx = services.WithScheduleID(ctx, scheduleID)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, s.logger)

	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil || schedule == nil {
		logger.Error("failed to load claimed schedule", logging.Error(err))
		return
	}
	title, err := s.store.GetTitle(ctx, schedule.TitleID)
	if err != nil || title == nil {
		s.failSchedule(ctx, schedule, nil, "", "schedule has no title")
		return
	}
	ctx = services.WithTitleID(ctx, title.ID)
	logger = logging.WithContext(ctx, s.logger)

	var channel *queue.Channel
	if title.ChannelID != 0 {
		channel, err = s.store.GetChannel(ctx, title.ChannelID)
		if err != nil {
			logger.Warn("failed to load channel", logging.Error(err))
		}
	}

	if err := s.store.CreatePipeline(ctx, schedule.ID); err != nil && !errors.Is(err, services.ErrConflict) {
		s.failSchedule(ctx, schedule, title, "", fmt.Sprintf("pipeline creation failed: %v", err))
		return
	}

	if err := s.store.SetTitleStatus(ctx, title.ID, queue.TitleProcessing); err != nil {
		logger.Warn("failed to mark title processing", logging.Error(err))
	}
	logger.Info("automation started", logging.String(logging.FieldEventType, "automation_started"))
	if s.notifier != nil {
		if err := s.notifier.NotifyScheduleStarted(ctx, title.Name); err != nil {
			logger.Warn("start notification failed", logging.Error(err))
		}
	}

	job := &stage.Job{Schedule: schedule, Title: title, Channel: channel}
	for _, name := range queue.DefaultStages {
		if ctx.Err() != nil {
			logger.Warn("pipeline interrupted by shutdown")
			return
		}
		record, err := s.store.GetStage(ctx, schedule.ID, name)
		if err != nil {
			s.failSchedule(ctx, schedule, title, name, fmt.Sprintf("stage lookup failed: %v", err))
			return
		}
		if record != nil && record.Status == queue.StageCompleted {
			continue
		}
		started, err := s.store.StartStage(ctx, schedule.ID, name)
		if err != nil {
			s.failSchedule(ctx, schedule, title, name, fmt.Sprintf("stage start failed: %v", err))
			return
		}
		if !started {
			logger.Info("stage already taken; yielding", logging.String(logging.FieldStage, string(name)))
			return
		}

		if err := s.runStage(ctx, name, job); err != nil {
			s.stageFailed(ctx, schedule, title, name, err)
			return
		}

		if job.Schedule.Status == queue.ScheduleWaitingForUpload {
			logger.Info("pipeline parked until media is uploaded",
				logging.String(logging.FieldStage, string(name)),
				logging.String(logging.FieldEventType, "automation_parked"),
			)
			return
		}

		if err := s.store.CompleteStage(ctx, schedule.ID, name); err != nil {
			s.failSchedule(ctx, schedule, title, name, fmt.Sprintf("stage completion failed: %v", err))
			return
		}
		if err := s.store.TouchSchedule(ctx, schedule.ID); err != nil {
			logger.Warn("failed to touch schedule", logging.Error(err))
		}
		logger.Info("stage completed", logging.String(logging.FieldStage, string(name)))
	}

	s.finishSchedule(ctx, schedule, title)
}

func (s *Service) runStage(ctx context.Context, name queue.StageName, job *stage.Job) error {
	handler, ok := s.handlers[name]
	if !ok {
		return services.Wrap(services.ErrConfiguration, "scheduler", "resolve handler",
			fmt.Sprintf("No handler registered for stage %s", name), nil)
	}
	stageCtx := services.WithStage(ctx, string(name))
	if err := handler.Prepare(stageCtx, job); err != nil {
		return err
	}
	return handler.Execute(stageCtx, job)
}

// finishSchedule derives the closing status from the stage rows rather than
// trusting in-memory state.
func (s *Service) finishSchedule(ctx context.Context, schedule *queue.Schedule, title *queue.Title) {
	logger := logging.WithContext(ctx, s.logger)
	stages, err := s.store.StagesForSchedule(ctx, schedule.ID)
	if err != nil {
		logger.Error("failed to load stages for closing status", logging.Error(err))
		return
	}
	derived := queue.DeriveScheduleStatus(stages)
	if err := s.store.SetScheduleStatus(ctx, schedule.ID, derived); err != nil {
		logger.Error("failed to persist schedule status", logging.Error(err))
		return
	}
	if derived != queue.ScheduleCompleted {
		logger.Warn("pipeline closed without completing", logging.String("derived_status", string(derived)))
		return
	}
	if err := s.store.SetTitleStatus(ctx, title.ID, queue.TitleCompleted); err != nil {
		logger.Warn("failed to mark title completed", logging.Error(err))
	}
	if err := s.store.AppendTitleLog(ctx, title.ID, "info", "automation completed"); err != nil {
		logger.Warn("failed to record completion log", logging.Error(err))
	}
	logger.Info("automation completed", logging.String(logging.FieldEventType, "automation_completed"))
	if s.notifier != nil {
		if err := s.notifier.NotifyScheduleCompleted(ctx, title.Name); err != nil {
			logger.Warn("completion notification failed", logging.Error(err))
		}
	}
}

// stageFailed handles a stage error: if the schedule was cancelled while the
// stage ran, the cancellation is preserved instead of overwriting it with a
// failure.
func (s *Service) stageFailed(ctx context.Context, schedule *queue.Schedule, title *queue.Title, name queue.StageName, stageErr error) {
	logger := logging.WithContext(ctx, s.logger)
	current, err := s.store.GetSchedule(ctx, schedule.ID)
	if err == nil && current != nil && current.Status == queue.ScheduleCancelled {
		logger.Info("stage aborted by cancellation", logging.String(logging.FieldStage, string(name)))
		return
	}
	message := fmt.Sprintf("stage %s failed: %v", name, stageErr)
	if err := s.store.FailStage(ctx, schedule.ID, name, stageErr.Error()); err != nil {
		logger.Warn("failed to record stage failure", logging.Error(err))
	}
	s.failSchedule(ctx, schedule, title, name, message)
}

func (s *Service) failSchedule(ctx context.Context, schedule *queue.Schedule, title *queue.Title, name queue.StageName, message string) {
	logger := logging.WithContext(ctx, s.logger)
	logging.ErrorWithContext(logger, "automation failed", "automation_failed",
		logging.String(logging.FieldStage, string(name)),
		logging.String("failure", message),
	)
	if err := s.store.SetScheduleStatus(ctx, schedule.ID, queue.ScheduleFailed); err != nil {
		logger.Warn("failed to persist schedule failure", logging.Error(err))
	}
	if _, err := s.store.FailOpenStages(ctx, schedule.ID, "pipeline halted: "+message); err != nil {
		logger.Warn("failed to close open stages", logging.Error(err))
	}
	if title == nil {
		return
	}
	if err := s.store.SetTitleStatus(ctx, title.ID, queue.TitleFailed); err != nil {
		logger.Warn("failed to persist title failure", logging.Error(err))
	}
	if err := s.store.AppendTitleLog(ctx, title.ID, "error", message); err != nil {
		logger.Warn("failed to record failure log", logging.Error(err))
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyScheduleFailed(ctx, title.Name, message); err != nil {
			logger.Warn("failure notification failed", logging.Error(err))
		}
	}
}
