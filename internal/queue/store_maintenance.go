package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loom/internal/services"
)

// StuckSchedules returns processing schedules with no running stage whose last
// update is older than the cutoff. These are runs whose worker died between
// stages: nothing is executing, so nothing will ever finish them.
func (s *Store) StuckSchedules(ctx context.Context, cutoff time.Time) ([]*Schedule, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+` FROM video_schedules vs
		WHERE vs.status = ? AND vs.updated_at < ?
		  AND NOT EXISTS (
		    SELECT 1 FROM automation_pipelines ap
		    WHERE ap.schedule_id = vs.id AND ap.status = ?
		  )
		ORDER BY vs.id ASC`,
		string(ScheduleProcessing), timeString(cutoff), string(StageRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("stuck schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// FailStuckSchedule marks one stuck schedule and its title failed and records
// a single log line. The conditional UPDATE on the processing status is the
// idempotency guard: a second sweep of the same schedule affects zero rows and
// writes nothing.
func (s *Store) FailStuckSchedule(ctx context.Context, schedule *Schedule, message string) (bool, error) {
	ctx = ensureContext(ctx)
	var swept bool
	err := retryOnBusy(ctx, func() error {
		swept = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer tx.Rollback()

		now := timeString(time.Now())
		res, err := tx.ExecContext(ctx,
			"UPDATE video_schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(ScheduleFailed), now, schedule.ID, string(ScheduleProcessing),
		)
		if err != nil {
			return fmt.Errorf("fail stuck schedule: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sweep rows affected: %w", err)
		}
		if affected == 0 {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE automation_pipelines
			SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE schedule_id = ? AND status IN (?, ?)`,
			string(StageFailed), nullableString(message), now, now, schedule.ID,
			string(StagePending), string(StageRunning),
		); err != nil {
			return fmt.Errorf("fail stuck stages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE video_titles SET status = ?, updated_at = ? WHERE id = ?",
			string(TitleFailed), now, schedule.TitleID,
		); err != nil {
			return fmt.Errorf("fail stuck title: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO title_logs (title_id, level, message, created_at) VALUES (?, ?, ?, ?)",
			schedule.TitleID, "error", message, now,
		); err != nil {
			return fmt.Errorf("log stuck schedule: %w", err)
		}
		swept = true
		return tx.Commit()
	})
	return swept, err
}

// StopResult reports what a StopTitle call shut down.
type StopResult struct {
	StoppedSchedules int64
	StoppedStages    int64
}

// StopTitle halts all automation for a title in one transaction: open stages
// become failed, non-terminal schedules become cancelled, and the title is
// marked failed with a log line explaining why.
func (s *Store) StopTitle(ctx context.Context, titleID int64, reason string) (*StopResult, error) {
	ctx = ensureContext(ctx)
	result := &StopResult{}
	err := retryOnBusy(ctx, func() error {
		*result = StopResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stop tx: %w", err)
		}
		defer tx.Rollback()

		now := timeString(time.Now())
		stages, err := tx.ExecContext(ctx, `
			UPDATE automation_pipelines
			SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE status IN (?, ?) AND schedule_id IN (
				SELECT id FROM video_schedules WHERE title_id = ?
			)`,
			string(StageFailed), nullableString(reason), now, now,
			string(StagePending), string(StageRunning), titleID,
		)
		if err != nil {
			return fmt.Errorf("stop stages: %w", err)
		}
		if result.StoppedStages, err = stages.RowsAffected(); err != nil {
			return fmt.Errorf("stop stages rows affected: %w", err)
		}

		schedules, err := tx.ExecContext(ctx, `
			UPDATE video_schedules
			SET status = ?, updated_at = ?
			WHERE title_id = ? AND status IN (?, ?, ?, ?)`,
			string(ScheduleCancelled), now, titleID,
			string(SchedulePending), string(ScheduleScheduled), string(ScheduleProcessing), string(ScheduleWaitingForUpload),
		)
		if err != nil {
			return fmt.Errorf("stop schedules: %w", err)
		}
		if result.StoppedSchedules, err = schedules.RowsAffected(); err != nil {
			return fmt.Errorf("stop schedules rows affected: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE video_titles SET status = ?, updated_at = ? WHERE id = ?",
			string(TitleFailed), now, titleID,
		); err != nil {
			return fmt.Errorf("stop title: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO title_logs (title_id, level, message, created_at) VALUES (?, ?, ?, ?)",
			titleID, "warn", reason, now,
		); err != nil {
			return fmt.Errorf("log stop: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefundSchedule returns credits to the owner of a failed schedule. Only a
// failed schedule can be refunded; the refund marks it completed so it cannot
// be refunded twice. The credit grant and its transaction row commit together.
func (s *Store) RefundSchedule(ctx context.Context, scheduleID int64, amount int64) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin refund tx: %w", err)
		}
		defer tx.Rollback()

		var (
			userID string
			status string
		)
		err = tx.QueryRowContext(ctx,
			"SELECT user_id, status FROM video_schedules WHERE id = ?", scheduleID,
		).Scan(&userID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "queue", "refund",
				fmt.Sprintf("schedule %d not found", scheduleID), nil)
		}
		if err != nil {
			return fmt.Errorf("read schedule for refund: %w", err)
		}
		if status != string(ScheduleFailed) {
			return services.Wrap(services.ErrValidation, "queue", "refund",
				fmt.Sprintf("schedule %d is %s, only failed schedules are refundable", scheduleID, status), nil)
		}

		now := timeString(time.Now())
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?",
			amount, now, userID,
		)
		if err != nil {
			return fmt.Errorf("credit user: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("credit rows affected: %w", err)
		}
		if affected == 0 {
			return services.Wrap(services.ErrNotFound, "queue", "refund",
				fmt.Sprintf("user %s not found", userID), nil)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (user_id, amount, reason, schedule_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, amount, "automation failure refund", scheduleID, now,
		); err != nil {
			return fmt.Errorf("record refund: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE video_schedules SET status = ?, updated_at = ? WHERE id = ?",
			string(ScheduleCompleted), now, scheduleID,
		); err != nil {
			return fmt.Errorf("close refunded schedule: %w", err)
		}
		return tx.Commit()
	})
}

// Stats summarises the store for health reporting.
type Stats struct {
	Tasks     map[TaskStatus]int
	Schedules map[ScheduleStatus]int
	CrawlJobs map[CrawlStatus]int
}

// Health returns coarse row counts per status for every worked table.
func (s *Store) Health(ctx context.Context) (*Stats, error) {
	ctx = ensureContext(ctx)
	stats := &Stats{
		Tasks:     make(map[TaskStatus]int),
		Schedules: make(map[ScheduleStatus]int),
		CrawlJobs: make(map[CrawlStatus]int),
	}

	count := func(query string, fill func(status string, n int)) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			fill(status, n)
		}
		return rows.Err()
	}

	if err := count("SELECT status, COUNT(1) FROM queue_tasks GROUP BY status", func(st string, n int) {
		stats.Tasks[TaskStatus(st)] = n
	}); err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	if err := count("SELECT status, COUNT(1) FROM video_schedules GROUP BY status", func(st string, n int) {
		stats.Schedules[ScheduleStatus(st)] = n
	}); err != nil {
		return nil, fmt.Errorf("schedule stats: %w", err)
	}
	if err := count("SELECT status, COUNT(1) FROM crawl_jobs GROUP BY status", func(st string, n int) {
		stats.CrawlJobs[CrawlStatus(st)] = n
	}); err != nil {
		return nil, fmt.Errorf("crawl stats: %w", err)
	}
	return stats, nil
}
