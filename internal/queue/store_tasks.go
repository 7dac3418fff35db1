package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NewTask describes a task to enqueue.
type NewTask struct {
	Type       TaskType
	UserID     string
	ProjectID  string
	Priority   int
	MaxRetries int
	Metadata   string
}

// Enqueue inserts a task with status waiting and returns the created record.
func (s *Store) Enqueue(ctx context.Context, req NewTask) (*Task, error) {
	ctx = ensureContext(ctx)
	if _, err := ParseTaskType(string(req.Type)); err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		INSERT INTO queue_tasks (type, user_id, project_id, status, priority, retry_count, max_retries, cancel_requested, metadata_json, logs_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?, '[]', ?, ?)`,
		string(req.Type), req.UserID, req.ProjectID, string(TaskWaiting), req.Priority, maxRetries, nullableString(req.Metadata), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task insert id: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a task by id. Returns nil when absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM queue_tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks results. Zero values mean "no filter".
type TaskFilter struct {
	Type      TaskType
	Statuses  []TaskStatus
	UserID    string
	ProjectID string
	Limit     int
	Offset    int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	ctx = ensureContext(ctx)
	var (
		conds []string
		args  []any
	)
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := "SELECT " + taskColumns + " FROM queue_tasks"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically transitions the best waiting task of the given type to
// running and returns it. The conditional UPDATE checked via RowsAffected is
// the sole dequeue primitive; the candidate SELECT is only a hint, so a lost
// race simply retries. Returns nil when no waiting task exists.
func (s *Store) ClaimTask(ctx context.Context, taskType TaskType) (*Task, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM queue_tasks
			WHERE status = ? AND type = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1`,
			string(TaskWaiting), string(taskType),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		now := timeString(time.Now())
		res, err := s.execWithRetry(ctx, `
			UPDATE queue_tasks
			SET status = ?, started_at = ?, last_heartbeat = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(TaskRunning), now, now, now, id, string(TaskWaiting),
		)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			// Another worker won the claim; try the next candidate.
			continue
		}
		return s.GetTask(ctx, id)
	}
	return nil, nil
}

// CancelTask transitions a waiting task to cancelled. Returns false without
// error when the task is not waiting (or absent).
func (s *Store) CancelTask(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskCancelled), now, now, id, string(TaskWaiting),
	)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return affected == 1, nil
}

// RequestCancelTask flags a running task for cooperative cancellation. The
// executor observes the flag and acknowledges via AcknowledgeCancelTask; only
// that acknowledgement moves the task to cancelled.
func (s *Store) RequestCancelTask(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		timeString(time.Now()), id, string(TaskRunning),
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	return affected == 1, nil
}

// TaskCancelRequested reports whether cancellation has been requested.
func (s *Store) TaskCancelRequested(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	var flag int
	err := s.db.QueryRowContext(ctx, "SELECT cancel_requested FROM queue_tasks WHERE id = ?", id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// AcknowledgeCancelTask completes the two-phase cancellation handshake:
// the running executor confirms it has stopped, and the task becomes cancelled.
func (s *Store) AcknowledgeCancelTask(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND cancel_requested = 1`,
		string(TaskCancelled), now, now, id, string(TaskRunning),
	)
	if err != nil {
		return false, fmt.Errorf("acknowledge cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acknowledge cancel rows affected: %w", err)
	}
	return affected == 1, nil
}

// CompleteTask transitions a running task to completed and records its
// result payload for downstream consumers.
func (s *Store) CompleteTask(ctx context.Context, id int64, resultJSON string) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, result_json = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskCompleted), nullableString(resultJSON), now, now, id, string(TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete task %d: not running", id)
	}
	return nil
}

// RequeueTask returns a running task to the waiting queue with one retry
// consumed, used when a worker run is interrupted by shutdown rather than
// failing. Returns false when the task is no longer running.
func (s *Store) RequeueTask(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, retry_count = retry_count + 1, started_at = NULL, last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskWaiting), timeString(time.Now()), id, string(TaskRunning),
	)
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue rows affected: %w", err)
	}
	return affected == 1, nil
}

// FailTask transitions a running task to failed with an error message.
func (s *Store) FailTask(ctx context.Context, id int64, message string) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskFailed), nullableString(message), now, now, id, string(TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("fail task %d: not running", id)
	}
	return nil
}

// AppendTaskLog appends one line to the task's ordered log array.
func (s *Store) AppendTaskLog(ctx context.Context, id int64, line string) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx, `
		UPDATE queue_tasks
		SET logs_json = json_insert(COALESCE(logs_json, '[]'), '$[#]', ?), updated_at = ?
		WHERE id = ?`,
		line, timeString(time.Now()), id,
	)
}

// TaskPosition returns the 0-based count of waiting tasks of the same type
// that would run before the given task: higher priority, or equal priority
// and created earlier. Returns -1 when the task is not waiting.
func (s *Store) TaskPosition(ctx context.Context, id int64) (int, error) {
	ctx = ensureContext(ctx)
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return -1, err
	}
	if task == nil || task.Status != TaskWaiting {
		return -1, nil
	}
	var ahead int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM queue_tasks
		WHERE status = ? AND type = ? AND id != ?
		  AND (priority > ? OR (priority = ? AND id < ?))`,
		string(TaskWaiting), string(task.Type), id, task.Priority, task.Priority, id,
	).Scan(&ahead)
	if err != nil {
		return -1, fmt.Errorf("task position: %w", err)
	}
	return ahead, nil
}

// TaskSummary aggregates counts by type and status for dashboards.
type TaskSummary struct {
	ByType map[TaskType]map[TaskStatus]int
	Totals map[TaskStatus]int
}

// Summary returns aggregate task counts grouped by type and status.
func (s *Store) Summary(ctx context.Context) (*TaskSummary, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, "SELECT type, status, COUNT(1) FROM queue_tasks GROUP BY type, status")
	if err != nil {
		return nil, fmt.Errorf("task summary: %w", err)
	}
	defer rows.Close()

	summary := &TaskSummary{
		ByType: make(map[TaskType]map[TaskStatus]int),
		Totals: make(map[TaskStatus]int),
	}
	for rows.Next() {
		var (
			taskType string
			status   string
			count    int
		)
		if err := rows.Scan(&taskType, &status, &count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		tt := TaskType(taskType)
		st := TaskStatus(status)
		if summary.ByType[tt] == nil {
			summary.ByType[tt] = make(map[TaskStatus]int)
		}
		summary.ByType[tt][st] += count
		summary.Totals[st] += count
	}
	return summary, rows.Err()
}

// UpdateTaskHeartbeat stamps the task's liveness marker.
func (s *Store) UpdateTaskHeartbeat(ctx context.Context, id int64) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	return s.execWithoutResultRetry(ctx,
		"UPDATE queue_tasks SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?",
		now, now, id, string(TaskRunning),
	)
}

// ReclaimStaleTasks returns running tasks with heartbeats older than cutoff to
// the queue, failing those that have exhausted their retries.
func (s *Store) ReclaimStaleTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	cutoffStr := timeString(cutoff)

	failed, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, error_message = 'worker heartbeat lost; retries exhausted', finished_at = ?, updated_at = ?
		WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ? AND retry_count + 1 > max_retries`,
		string(TaskFailed), now, now, string(TaskRunning), cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks (fail): %w", err)
	}
	failedCount, err := failed.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim rows affected: %w", err)
	}

	requeued, err := s.execWithRetry(ctx, `
		UPDATE queue_tasks
		SET status = ?, retry_count = retry_count + 1, started_at = NULL, last_heartbeat = NULL, updated_at = ?
		WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		string(TaskWaiting), now, string(TaskRunning), cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks (requeue): %w", err)
	}
	requeuedCount, err := requeued.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim rows affected: %w", err)
	}
	return failedCount + requeuedCount, nil
}
