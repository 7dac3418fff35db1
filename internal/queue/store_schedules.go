package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTitle inserts a video title owned by a channel.
func (s *Store) CreateTitle(ctx context.Context, channelID int64, userID, name string) (*Title, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		INSERT INTO video_titles (channel_id, user_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		channelID, userID, name, string(TitlePending), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create title: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("title insert id: %w", err)
	}
	return s.GetTitle(ctx, id)
}

// TitleNamesForChannel returns the most recently created title names on a
// channel, newest first. Used to steer generation away from repeats.
func (s *Store) TitleNamesForChannel(ctx context.Context, channelID int64, limit int) ([]string, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM video_titles
		WHERE channel_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list title names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan title name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetTitle fetches a title by id. Returns nil when absent.
func (s *Store) GetTitle(ctx context.Context, id int64) (*Title, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+titleColumns+" FROM video_titles WHERE id = ?", id)
	title, err := scanTitle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get title: %w", err)
	}
	return title, nil
}

// SetTitleStatus moves a title to the given status.
func (s *Store) SetTitleStatus(ctx context.Context, id int64, status TitleStatus) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx,
		"UPDATE video_titles SET status = ?, updated_at = ? WHERE id = ?",
		string(status), timeString(time.Now()), id,
	)
}

// AppendTitleLog records an event against a title.
func (s *Store) AppendTitleLog(ctx context.Context, titleID int64, level, message string) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx,
		"INSERT INTO title_logs (title_id, level, message, created_at) VALUES (?, ?, ?, ?)",
		titleID, level, message, timeString(time.Now()),
	)
}

// TitleLogs returns the log rows for a title, oldest first.
func (s *Store) TitleLogs(ctx context.Context, titleID int64) ([]*TitleLog, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title_id, level, message, created_at FROM title_logs WHERE title_id = ? ORDER BY id ASC",
		titleID,
	)
	if err != nil {
		return nil, fmt.Errorf("title logs: %w", err)
	}
	defer rows.Close()

	var logs []*TitleLog
	for rows.Next() {
		var (
			log       TitleLog
			createdAt string
		)
		if err := rows.Scan(&log.ID, &log.TitleID, &log.Level, &log.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan title log: %w", err)
		}
		if t, err := parseTimeString(createdAt); err == nil {
			log.CreatedAt = t
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// CountTitleLogs returns the number of log rows whose message contains the
// given fragment, used to keep sweep reporting idempotent.
func (s *Store) CountTitleLogs(ctx context.Context, titleID int64, fragment string) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM title_logs WHERE title_id = ? AND message LIKE ?",
		titleID, "%"+fragment+"%",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count title logs: %w", err)
	}
	return count, nil
}

// CreateSchedule inserts a schedule row for a title at the given time.
func (s *Store) CreateSchedule(ctx context.Context, titleID int64, userID string, scheduledTime time.Time) (*Schedule, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		INSERT INTO video_schedules (title_id, user_id, status, scheduled_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		titleID, userID, string(SchedulePending), timeString(scheduledTime), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("schedule insert id: %w", err)
	}
	return s.GetSchedule(ctx, id)
}

// GetSchedule fetches a schedule by id. Returns nil when absent.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM video_schedules WHERE id = ?", id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

// DueSchedules returns pending schedules whose time has arrived, oldest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + scheduleColumns + ` FROM video_schedules
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, id ASC`
	args := []any{string(SchedulePending), timeString(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
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

// ClaimSchedule atomically transitions a pending schedule to processing.
// Returns false without error when another worker already claimed it.
func (s *Store) ClaimSchedule(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `
		UPDATE video_schedules
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(ScheduleProcessing), timeString(time.Now()), id, string(SchedulePending),
	)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim schedule rows affected: %w", err)
	}
	return affected == 1, nil
}

// ResumeSchedule claims a parked schedule back into processing once its
// user-provided media has arrived. Returns false when the schedule is not
// waiting for upload, so concurrent resumers cannot both relaunch it.
func (s *Store) ResumeSchedule(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `
		UPDATE video_schedules
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(ScheduleProcessing), timeString(time.Now()), id, string(ScheduleWaitingForUpload),
	)
	if err != nil {
		return false, fmt.Errorf("resume schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resume schedule rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetScheduleStatus moves a schedule to the given status.
func (s *Store) SetScheduleStatus(ctx context.Context, id int64, status ScheduleStatus) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx,
		"UPDATE video_schedules SET status = ?, updated_at = ? WHERE id = ?",
		string(status), timeString(time.Now()), id,
	)
}

// SetScheduleTime rewrites a schedule's target time, used by force-execute to
// backdate a schedule so the next poll picks it up immediately.
func (s *Store) SetScheduleTime(ctx context.Context, id int64, when time.Time, status ScheduleStatus) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx,
		"UPDATE video_schedules SET scheduled_time = ?, status = ?, updated_at = ? WHERE id = ?",
		timeString(when), string(status), timeString(time.Now()), id,
	)
}

// TouchSchedule bumps updated_at so the stuck sweep sees recent progress.
func (s *Store) TouchSchedule(ctx context.Context, id int64) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx,
		"UPDATE video_schedules SET updated_at = ? WHERE id = ?",
		timeString(time.Now()), id,
	)
}

// SchedulesForTitle returns every schedule for a title, oldest first.
func (s *Store) SchedulesForTitle(ctx context.Context, titleID int64) ([]*Schedule, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM video_schedules WHERE title_id = ? ORDER BY id ASC",
		titleID,
	)
	if err != nil {
		return nil, fmt.Errorf("schedules for title: %w", err)
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

// FirstActiveScheduleForTitle returns the oldest non-terminal schedule for a
// title, or nil when every schedule has finished.
func (s *Store) FirstActiveScheduleForTitle(ctx context.Context, titleID int64) (*Schedule, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+` FROM video_schedules
		WHERE title_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY id ASC LIMIT 1`,
		titleID,
		string(SchedulePending), string(ScheduleScheduled), string(ScheduleProcessing), string(ScheduleWaitingForUpload),
	)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first active schedule: %w", err)
	}
	return schedule, nil
}

// ActiveScheduleCountForChannel counts non-terminal schedules across every
// title of a channel. The auto-scheduler skips channels that already have
// work in flight.
func (s *Store) ActiveScheduleCountForChannel(ctx context.Context, channelID int64) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM video_schedules vs
		JOIN video_titles vt ON vt.id = vs.title_id
		WHERE vt.channel_id = ? AND vs.status IN (?, ?, ?, ?)`,
		channelID,
		string(SchedulePending), string(ScheduleScheduled), string(ScheduleProcessing), string(ScheduleWaitingForUpload),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("active schedule count: %w", err)
	}
	return count, nil
}

// CancelSiblingSchedules cancels every non-terminal schedule for the title
// except the one being kept. Returns the number cancelled.
func (s *Store) CancelSiblingSchedules(ctx context.Context, titleID, keepID int64) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `
		UPDATE video_schedules
		SET status = ?, updated_at = ?
		WHERE title_id = ? AND id != ? AND status IN (?, ?, ?, ?)`,
		string(ScheduleCancelled), timeString(time.Now()), titleID, keepID,
		string(SchedulePending), string(ScheduleScheduled), string(ScheduleProcessing), string(ScheduleWaitingForUpload),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel sibling schedules: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel siblings rows affected: %w", err)
	}
	return affected, nil
}

// ListSchedules returns schedules filtered by status, newest first.
func (s *Store) ListSchedules(ctx context.Context, statuses []ScheduleStatus, limit int) ([]*Schedule, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + scheduleColumns + " FROM video_schedules"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
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
