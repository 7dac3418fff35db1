package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loom/internal/services"
)

// CreatePipeline inserts one pending stage row per default stage for the
// schedule, all in one transaction. The UNIQUE(schedule_id, stage) constraint
// makes a double create fail cleanly with ErrConflict.
func (s *Store) CreatePipeline(ctx context.Context, scheduleID int64) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pipeline tx: %w", err)
		}
		defer tx.Rollback()

		now := timeString(time.Now())
		for _, stage := range DefaultStages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO automation_pipelines (schedule_id, stage, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				scheduleID, string(stage), string(StagePending), now, now,
			); err != nil {
				if strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return services.Wrap(services.ErrConflict, "queue", "create pipeline",
						fmt.Sprintf("pipeline already exists for schedule %d", scheduleID), err)
				}
				return fmt.Errorf("insert stage %s: %w", stage, err)
			}
		}
		return tx.Commit()
	})
}

// ResetPipeline deletes any existing stage rows for the schedule and recreates
// the full pending set, used by force-execute to restart a run from scratch.
func (s *Store) ResetPipeline(ctx context.Context, scheduleID int64) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, "DELETE FROM automation_pipelines WHERE schedule_id = ?", scheduleID); err != nil {
			return fmt.Errorf("delete stages: %w", err)
		}
		now := timeString(time.Now())
		for _, stage := range DefaultStages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO automation_pipelines (schedule_id, stage, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				scheduleID, string(stage), string(StagePending), now, now,
			); err != nil {
				return fmt.Errorf("insert stage %s: %w", stage, err)
			}
		}
		return tx.Commit()
	})
}

// StagesForSchedule returns the schedule's stage rows in pipeline order.
func (s *Store) StagesForSchedule(ctx context.Context, scheduleID int64) ([]*Stage, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stageColumns+" FROM automation_pipelines WHERE schedule_id = ? ORDER BY id ASC",
		scheduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("stages for schedule: %w", err)
	}
	defer rows.Close()

	var stages []*Stage
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// StartStage transitions a pending stage to running. Returns false when the
// stage is not pending, so concurrent runners cannot both start it.
func (s *Store) StartStage(ctx context.Context, scheduleID int64, stage StageName) (bool, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE automation_pipelines
		SET status = ?, started_at = ?, updated_at = ?
		WHERE schedule_id = ? AND stage = ? AND status = ?`,
		string(StageRunning), now, now, scheduleID, string(stage), string(StagePending),
	)
	if err != nil {
		return false, fmt.Errorf("start stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start stage rows affected: %w", err)
	}
	return affected == 1, nil
}

// CompleteStage transitions a running stage to completed.
func (s *Store) CompleteStage(ctx context.Context, scheduleID int64, stage StageName) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE automation_pipelines
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE schedule_id = ? AND stage = ? AND status = ?`,
		string(StageCompleted), now, now, scheduleID, string(stage), string(StageRunning),
	)
	if err != nil {
		return fmt.Errorf("complete stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete stage rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete stage %s for schedule %d: not running", stage, scheduleID)
	}
	return nil
}

// ReopenStage returns a running stage to pending so a resumed pipeline can
// start it again, used when the upload stage parks a schedule. Returns false
// when the stage is not running.
func (s *Store) ReopenStage(ctx context.Context, scheduleID int64, stage StageName) (bool, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE automation_pipelines
		SET status = ?, started_at = NULL, updated_at = ?
		WHERE schedule_id = ? AND stage = ? AND status = ?`,
		string(StagePending), now, scheduleID, string(stage), string(StageRunning),
	)
	if err != nil {
		return false, fmt.Errorf("reopen stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reopen stage rows affected: %w", err)
	}
	return affected == 1, nil
}

// FailStage transitions a stage to failed with an error message. Unlike
// CompleteStage this accepts any non-terminal state so the stuck sweep and
// stop can fail stages that never started.
func (s *Store) FailStage(ctx context.Context, scheduleID int64, stage StageName, message string) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	return s.execWithoutResultRetry(ctx, `
		UPDATE automation_pipelines
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE schedule_id = ? AND stage = ? AND status IN (?, ?)`,
		string(StageFailed), nullableString(message), now, now, scheduleID, string(stage),
		string(StagePending), string(StageRunning),
	)
}

// FailOpenStages fails every pending or running stage for the schedule,
// returning the number of stages affected.
func (s *Store) FailOpenStages(ctx context.Context, scheduleID int64, message string) (int64, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE automation_pipelines
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE schedule_id = ? AND status IN (?, ?)`,
		string(StageFailed), nullableString(message), now, now, scheduleID,
		string(StagePending), string(StageRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail open stages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail open stages rows affected: %w", err)
	}
	return affected, nil
}

// RunningStageCount reports how many stages of the schedule are running.
func (s *Store) RunningStageCount(ctx context.Context, scheduleID int64) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM automation_pipelines WHERE schedule_id = ? AND status = ?",
		scheduleID, string(StageRunning),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("running stage count: %w", err)
	}
	return count, nil
}

// GetStage returns one stage row for the schedule, or nil when absent.
func (s *Store) GetStage(ctx context.Context, scheduleID int64, stage StageName) (*Stage, error) {
	ctx = ensureContext(ctx)
	stages, err := s.StagesForSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	for _, st := range stages {
		if st.Name == stage {
			return st, nil
		}
	}
	return nil, nil
}
