package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loom/internal/queue"
	"loom/internal/services"
)

// ScheduleProject is the queue project identifier shared by every task a
// schedule's stages enqueue; StopTitle uses it to find tasks to cancel.
func ScheduleProject(scheduleID int64) string {
	return fmt.Sprintf("schedule-%d", scheduleID)
}

// TaskPayload is the metadata envelope a stage attaches to the queue tasks
// it hands to the worker pool.
type TaskPayload struct {
	ScheduleID  int64  `json:"schedule_id"`
	TitleID     int64  `json:"title_id"`
	TitleName   string `json:"title_name,omitempty"`
	Category    string `json:"category,omitempty"`
	Script      string `json:"script,omitempty"`
	ImagePrompt string `json:"image_prompt,omitempty"`
}

// Encode serializes the payload for queue.NewTask.Metadata.
func (p TaskPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "stage", "encode task payload", "Failed to encode task metadata", err)
	}
	return string(data), nil
}

// ParseTaskPayload decodes a task metadata envelope. On failure it returns a
// services.ErrValidation suitable for worker executors.
func ParseTaskPayload(raw string) (TaskPayload, error) {
	var payload TaskPayload
	if strings.TrimSpace(raw) == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return TaskPayload{}, services.Wrap(
			services.ErrValidation, "stage", "parse task payload",
			"Task metadata missing or invalid; re-enqueue the stage task", err)
	}
	return payload, nil
}

// AwaitTask polls the queue until the task reaches a terminal status. On
// timeout it requests cooperative cancellation of the worker and returns a
// services.ErrTimeout; the last observed task is returned alongside terminal
// errors so callers can inspect its result and log trail.
func AwaitTask(ctx context.Context, store *queue.Store, taskID int64, timeout, interval time.Duration) (*queue.Task, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, services.Wrap(
				services.ErrNotFound, "stage", "await task",
				fmt.Sprintf("Task %d disappeared while waiting for completion", taskID), nil)
		}
		switch task.Status {
		case queue.TaskCompleted:
			return task, nil
		case queue.TaskFailed:
			return task, services.Wrap(
				services.ErrExternalTool, "stage", "await task",
				fmt.Sprintf("Task %d failed: %s", taskID, task.ErrorMessage), nil)
		case queue.TaskCancelled:
			return task, services.Wrap(
				services.ErrConflict, "stage", "await task",
				fmt.Sprintf("Task %d was cancelled before completion", taskID), nil)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			if _, cancelErr := store.RequestCancelTask(ctx, taskID); cancelErr != nil {
				return task, services.Wrap(
					services.ErrTimeout, "stage", "await task",
					fmt.Sprintf("Task %d did not finish within %s and cancellation could not be requested", taskID, timeout), cancelErr)
			}
			return task, services.Wrap(
				services.ErrTimeout, "stage", "await task",
				fmt.Sprintf("Task %d did not finish within %s; cancellation requested", taskID, timeout), nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
