package scheduler

import (
	"context"
	"fmt"
	"time"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/stage"
)

// ForceExecute runs a title's automation immediately. The first non-terminal
// schedule is reused (one is created when none exists), its pipeline is
// reset, sibling schedules are cancelled, and the scheduled time is backdated
// so the claim happens now. The conditional claim makes a second concurrent
// call for the same title a no-op.
func (s *Service) ForceExecute(ctx context.Context, titleID int64) (int64, error) {
	logger := logging.WithContext(services.WithTitleID(ctx, titleID), s.logger)

	title, err := s.store.GetTitle(ctx, titleID)
	if err != nil {
		return 0, err
	}
	if title == nil {
		return 0, services.Wrap(services.ErrNotFound, "scheduler", "force execute",
			fmt.Sprintf("Title %d not found", titleID), nil)
	}

	schedule, err := s.store.FirstActiveScheduleForTitle(ctx, titleID)
	if err != nil {
		return 0, err
	}
	if schedule == nil {
		schedule, err = s.store.CreateSchedule(ctx, titleID, title.UserID, time.Now())
		if err != nil {
			return 0, err
		}
	}
	if schedule.Status == queue.ScheduleProcessing {
		logger.Info("force execute requested while schedule is running",
			logging.Int64(logging.FieldScheduleID, schedule.ID))
		return schedule.ID, nil
	}

	if _, err := s.store.CancelSiblingSchedules(ctx, titleID, schedule.ID); err != nil {
		return 0, err
	}
	if err := s.store.SetScheduleTime(ctx, schedule.ID, time.Now().Add(-time.Second), queue.SchedulePending); err != nil {
		return 0, err
	}
	if err := s.store.ResetPipeline(ctx, schedule.ID); err != nil {
		return 0, err
	}

	claimed, err := s.store.ClaimSchedule(ctx, schedule.ID)
	if err != nil {
		return 0, err
	}
	if !claimed {
		logger.Info("force execute lost the claim; execution already running",
			logging.Int64(logging.FieldScheduleID, schedule.ID))
		return schedule.ID, nil
	}

	logger.Info("force executing schedule",
		logging.Int64(logging.FieldScheduleID, schedule.ID),
		logging.String(logging.FieldEventType, "force_execute"),
	)
	s.launch(schedule.ID)
	return schedule.ID, nil
}

// StopTitle halts a title's automation: open stages fail, schedules are
// cancelled, and the tasks those stages enqueued get cooperative cancel
// flags. Workers acknowledge the flags; the renderer supervisor force-kills
// the process group of an acknowledged task that will not die.
func (s *Service) StopTitle(ctx context.Context, titleID int64, reason string) (*queue.StopResult, error) {
	logger := logging.WithContext(services.WithTitleID(ctx, titleID), s.logger)

	schedules, err := s.store.SchedulesForTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	result, err := s.store.StopTitle(ctx, titleID, reason)
	if err != nil {
		return nil, err
	}

	for _, schedule := range schedules {
		tasks, err := s.store.ListTasks(ctx, queue.TaskFilter{
			ProjectID: stage.ScheduleProject(schedule.ID),
			Statuses:  []queue.TaskStatus{queue.TaskWaiting, queue.TaskRunning},
		})
		if err != nil {
			logger.Warn("failed to list schedule tasks", logging.Error(err))
			continue
		}
		for _, task := range tasks {
			switch task.Status {
			case queue.TaskWaiting:
				if _, err := s.store.CancelTask(ctx, task.ID); err != nil {
					logger.Warn("failed to cancel waiting task", logging.Error(err))
				}
			case queue.TaskRunning:
				if _, err := s.store.RequestCancelTask(ctx, task.ID); err != nil {
					logger.Warn("failed to request task cancellation", logging.Error(err))
				}
			}
		}
	}

	logger.Info("automation stopped",
		logging.Int64("stopped_schedules", result.StoppedSchedules),
		logging.Int64("stopped_stages", result.StoppedStages),
		logging.String(logging.FieldEventType, "automation_stopped"),
	)
	return result, nil
}

// CleanupStuck fails every processing schedule with no running stage and no
// progress past the stuck cutoff. Returns how many were cleaned.
func (s *Service) CleanupStuck(ctx context.Context) (int, error) {
	timeout := s.stuckTimeout()
	cutoff := time.Now().Add(-timeout)
	stuck, err := s.store.StuckSchedules(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck schedules: %w", err)
	}

	cleaned := 0
	minutes := int(timeout.Minutes())
	for _, schedule := range stuck {
		message := fmt.Sprintf("automation stalled; no stage progress for %d minutes", minutes)
		failed, err := s.store.FailStuckSchedule(ctx, schedule, message)
		if err != nil {
			return cleaned, fmt.Errorf("fail stuck schedule %d: %w", schedule.ID, err)
		}
		if !failed {
			continue
		}
		cleaned++
		logger := logging.WithContext(services.WithScheduleID(ctx, schedule.ID), s.logger)
		logger.Warn("stuck schedule failed",
			logging.String(logging.FieldEventType, "schedule_stuck"),
			logging.Alert("stuck_schedule"),
		)
		if s.notifier != nil {
			titleName := fmt.Sprintf("title %d", schedule.TitleID)
			if title, err := s.store.GetTitle(ctx, schedule.TitleID); err == nil && title != nil {
				titleName = title.Name
			}
			if err := s.notifier.NotifyScheduleStuck(ctx, titleName, minutes); err != nil {
				logger.Warn("stuck notification failed", logging.Error(err))
			}
		}
	}
	return cleaned, nil
}

// Refund credits a user back for a failed schedule and closes it out.
func (s *Service) Refund(ctx context.Context, scheduleID, amount int64) error {
	if err := s.store.RefundSchedule(ctx, scheduleID, amount); err != nil {
		return err
	}
	logger := logging.WithContext(services.WithScheduleID(ctx, scheduleID), s.logger)
	logger.Info("schedule refunded",
		logging.Int64("amount", amount),
		logging.String(logging.FieldEventType, "schedule_refunded"),
	)
	return nil
}
