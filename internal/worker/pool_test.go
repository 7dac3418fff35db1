package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/services/llm"
	"loom/internal/testsupport"
	"loom/internal/worker"
)

type recordingNotifier struct {
	mu          sync.Mutex
	failedTasks []int64
}

func (r *recordingNotifier) NotifyScheduleStarted(context.Context, string) error   { return nil }
func (r *recordingNotifier) NotifyScheduleCompleted(context.Context, string) error { return nil }
func (r *recordingNotifier) NotifyScheduleFailed(context.Context, string, string) error {
	return nil
}
func (r *recordingNotifier) NotifyScheduleStuck(context.Context, string, int) error { return nil }
func (r *recordingNotifier) NotifyTaskFailed(_ context.Context, _ string, taskID int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedTasks = append(r.failedTasks, taskID)
	return nil
}
func (r *recordingNotifier) NotifyError(context.Context, error, string) error { return nil }
func (r *recordingNotifier) TestNotification(context.Context) error           { return nil }

func (r *recordingNotifier) failures() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.failedTasks...)
}

func waitForTaskStatus(t *testing.T, store *queue.Store, id int64, want queue.TaskStatus) *queue.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %d never reached status %s", id, want)
	return nil
}

func TestPoolProcessesTasks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	pool := worker.NewPool(cfg, store, nil, nil)
	pool.Register(queue.TaskScript, worker.ExecutorFunc(func(ctx context.Context, task *queue.Task) (string, error) {
		return `{"script":"generated"}`, nil
	}))

	first, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(pool.Stop)
	pool.TriggerNow()

	done := waitForTaskStatus(t, store, first.ID, queue.TaskCompleted)
	if done.ResultJSON != `{"script":"generated"}` {
		t.Fatalf("unexpected result %q", done.ResultJSON)
	}
	waitForTaskStatus(t, store, second.ID, queue.TaskCompleted)
}

func TestPoolRecordsFailuresAndNotifies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	notifier := &recordingNotifier{}
	pool := worker.NewPool(cfg, store, nil, notifier)
	pool.Register(queue.TaskImage, worker.ExecutorFunc(func(ctx context.Context, task *queue.Task) (string, error) {
		return "", errors.New("prompt generation exploded")
	}))

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskImage})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(pool.Stop)
	pool.TriggerNow()

	failed := waitForTaskStatus(t, store, task.ID, queue.TaskFailed)
	if failed.ErrorMessage == "" {
		t.Fatal("expected failure message to be recorded")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(notifier.failures()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := notifier.failures(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("expected failure notification for task %d, got %v", task.ID, got)
	}
}

func TestPoolAcknowledgesCancelRequests(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.HeartbeatInterval = 1
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	started := make(chan struct{})
	pool := worker.NewPool(cfg, store, nil, nil)
	pool.Register(queue.TaskVideo, worker.ExecutorFunc(func(execCtx context.Context, task *queue.Task) (string, error) {
		close(started)
		<-execCtx.Done()
		return "", execCtx.Err()
	}))

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(pool.Stop)
	pool.TriggerNow()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	if _, err := store.RequestCancelTask(ctx, task.ID); err != nil {
		t.Fatalf("RequestCancelTask: %v", err)
	}

	cancelled := waitForTaskStatus(t, store, task.ID, queue.TaskCancelled)
	if cancelled.ErrorMessage != "" {
		t.Fatalf("cancelled task should not carry a failure message, got %q", cancelled.ErrorMessage)
	}
}

func TestPoolRequeuesTaskInterruptedByStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	started := make(chan struct{})
	pool := worker.NewPool(cfg, store, nil, nil)
	pool.Register(queue.TaskVideo, worker.ExecutorFunc(func(execCtx context.Context, task *queue.Task) (string, error) {
		close(started)
		<-execCtx.Done()
		return "", execCtx.Err()
	}))

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pool.TriggerNow()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	pool.Stop()

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskWaiting {
		t.Fatalf("task status = %s, want waiting after interrupted run", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("interrupted task should not carry a failure message, got %q", got.ErrorMessage)
	}
}

func TestScriptExecutorGeneratesScript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": `{"script":"Volcanoes are windows into the planet."}`,
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{APIKey: "test", BaseURL: server.URL, Model: "demo"})
	executor := worker.NewScriptExecutor(client)

	result, err := executor.Execute(context.Background(), &queue.Task{
		ID:           1,
		Type:         queue.TaskScript,
		MetadataJSON: `{"schedule_id":1,"title_id":1,"title_name":"Volcano Facts","category":"science"}`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal([]byte(result), &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded.Script != "Volcanoes are windows into the planet." {
		t.Fatalf("unexpected script %q", decoded.Script)
	}
}

func TestScriptExecutorRejectsMissingTitle(t *testing.T) {
	executor := worker.NewScriptExecutor(llm.NewClient(llm.Config{APIKey: "test", Model: "demo"}))
	_, err := executor.Execute(context.Background(), &queue.Task{ID: 1, MetadataJSON: `{"schedule_id":1}`})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestImageExecutorRejectsMissingScript(t *testing.T) {
	executor := worker.NewImageExecutor(llm.NewClient(llm.Config{APIKey: "test", Model: "demo"}))
	_, err := executor.Execute(context.Background(), &queue.Task{ID: 1, MetadataJSON: `{"schedule_id":1}`})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
