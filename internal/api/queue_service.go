package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"loom/internal/queue"
	"loom/internal/services"
)

// estimatedTaskSeconds is the rough per-slot wait used for queue estimates.
// Video renders dominate; script and image generations are short LLM calls.
var estimatedTaskSeconds = map[queue.TaskType]int{
	queue.TaskScript: 60,
	queue.TaskImage:  45,
	queue.TaskVideo:  300,
}

// QueueService exposes task queue operations to the HTTP API and IPC
// surfaces, translating between store types and wire DTOs.
type QueueService struct {
	store *queue.Store
}

// NewQueueService constructs the service backed by the shared store.
func NewQueueService(store *queue.Store) *QueueService {
	return &QueueService{store: store}
}

// Enqueue validates and submits a task, returning its queue position and a
// wait estimate.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	taskType, err := queue.ParseTaskType(req.Type)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "api", "enqueue", err.Error(), err)
	}
	var metadata string
	if len(req.Metadata) > 0 {
		if !json.Valid(req.Metadata) {
			return nil, services.Wrap(services.ErrValidation, "api", "enqueue", "metadata must be a JSON document", nil)
		}
		metadata = string(req.Metadata)
	}
	task, err := s.store.Enqueue(ctx, queue.NewTask{
		Type:       taskType,
		UserID:     strings.TrimSpace(req.UserID),
		ProjectID:  strings.TrimSpace(req.ProjectID),
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}
	position, err := s.store.TaskPosition(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &EnqueueResponse{
		Task:              FromTask(task),
		Position:          position,
		EstimatedWaitTime: estimateWait(taskType, position),
	}, nil
}

// Describe returns one task with its live queue position.
func (s *QueueService) Describe(ctx context.Context, id int64) (*TaskStatusResponse, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "describe task",
			fmt.Sprintf("Task %d not found", id), nil)
	}
	resp := &TaskStatusResponse{Task: FromTask(task)}
	if task.Status == queue.TaskWaiting {
		position, err := s.store.TaskPosition(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		resp.Position = position
	}
	return resp, nil
}

// List returns tasks matching the filter.
func (s *QueueService) List(ctx context.Context, filter queue.TaskFilter) (*TaskListResponse, error) {
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &TaskListResponse{Tasks: make([]Task, 0, len(tasks))}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, FromTask(task))
	}
	return resp, nil
}

// Summary returns aggregate queue counts.
func (s *QueueService) Summary(ctx context.Context) (SummaryResponse, error) {
	summary, err := s.store.Summary(ctx)
	if err != nil {
		return SummaryResponse{}, err
	}
	return FromSummary(summary), nil
}

// Cancel cancels a waiting task outright. A running task is flagged for
// cooperative cancellation instead; its worker acknowledges on the next
// heartbeat. Terminal tasks yield a conflict.
func (s *QueueService) Cancel(ctx context.Context, id int64) (*CancelResponse, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "cancel task",
			fmt.Sprintf("Task %d not found", id), nil)
	}
	switch task.Status {
	case queue.TaskWaiting:
		cancelled, err := s.store.CancelTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return &CancelResponse{Cancelled: cancelled}, nil
	case queue.TaskRunning:
		requested, err := s.store.RequestCancelTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return &CancelResponse{Requested: requested}, nil
	default:
		return nil, services.Wrap(services.ErrConflict, "api", "cancel task",
			fmt.Sprintf("Task %d is already %s", id, task.Status), nil)
	}
}

func estimateWait(taskType queue.TaskType, position int) int {
	perSlot := estimatedTaskSeconds[taskType]
	if perSlot <= 0 {
		perSlot = 60
	}
	if position < 0 {
		position = 0
	}
	return position * perSlot
}
