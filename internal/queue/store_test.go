package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/testsupport"
)

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return testsupport.MustOpenStore(t, cfg)
}

func TestEnqueueRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{
		Type:      queue.TaskScript,
		UserID:    "user-1",
		ProjectID: "project-1",
		Priority:  5,
		Metadata:  `{"topic":"volcanoes"}`,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if task.Status != queue.TaskWaiting {
		t.Fatalf("status = %s, want waiting", task.Status)
	}
	if task.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want default 3", task.MaxRetries)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil || got.Priority != 5 || got.MetadataJSON != `{"topic":"volcanoes"}` {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	store := newStore(t)

	if _, err := store.Enqueue(context.Background(), queue.NewTask{Type: "podcast"}); err == nil {
		t.Fatal("expected error for unknown task type")
	}
}

func TestCancelTaskOnlyWhenWaiting(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	waiting, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript, UserID: "u"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	cancelled, err := store.CancelTask(ctx, waiting.ID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !cancelled {
		t.Fatal("expected waiting task to cancel")
	}

	running, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript, UserID: "u"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.ClaimTask(ctx, queue.TaskScript); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	cancelled, err = store.CancelTask(ctx, running.ID)
	if err != nil {
		t.Fatalf("CancelTask running: %v", err)
	}
	if cancelled {
		t.Fatal("running task must not cancel through CancelTask")
	}
	got, err := store.GetTask(ctx, running.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskRunning {
		t.Fatalf("status = %s, want running untouched", got.Status)
	}
}

func TestClaimOrderRespectsPriorityThenAge(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	low, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo, Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	high, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo, Priority: 9})
	if err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}
	highLater, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo, Priority: 9})
	if err != nil {
		t.Fatalf("Enqueue high later: %v", err)
	}

	first, err := store.ClaimTask(ctx, queue.TaskVideo)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if first == nil || first.ID != high.ID {
		t.Fatalf("first claim = %+v, want high-priority task %d", first, high.ID)
	}
	second, err := store.ClaimTask(ctx, queue.TaskVideo)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if second == nil || second.ID != highLater.ID {
		t.Fatalf("second claim = %+v, want older of equal priority %d", second, highLater.ID)
	}
	third, err := store.ClaimTask(ctx, queue.TaskVideo)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if third == nil || third.ID != low.ID {
		t.Fatalf("third claim = %+v, want %d", third, low.ID)
	}
	empty, err := store.ClaimTask(ctx, queue.TaskVideo)
	if err != nil {
		t.Fatalf("ClaimTask empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected empty queue, got %+v", empty)
	}
}

func TestClaimLeavesOtherTypesAlone(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskImage}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := store.ClaimTask(ctx, queue.TaskScript)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed != nil {
		t.Fatalf("script claim returned image task %+v", claimed)
	}
}

func TestTaskPositionCountsHigherPriorityAndOlderPeers(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	older, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript, Priority: 3})
	if err != nil {
		t.Fatalf("Enqueue older: %v", err)
	}
	subject, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript, Priority: 3})
	if err != nil {
		t.Fatalf("Enqueue subject: %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript, Priority: 8}); err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}
	// Lower priority and other types must not count.
	if _, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript, Priority: 1}); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo, Priority: 9}); err != nil {
		t.Fatalf("Enqueue other type: %v", err)
	}

	pos, err := store.TaskPosition(ctx, subject.ID)
	if err != nil {
		t.Fatalf("TaskPosition: %v", err)
	}
	if pos != 2 {
		t.Fatalf("position = %d, want 2 (one older equal-priority, one higher)", pos)
	}

	pos, err = store.TaskPosition(ctx, older.ID)
	if err != nil {
		t.Fatalf("TaskPosition older: %v", err)
	}
	if pos != 1 {
		t.Fatalf("older position = %d, want 1", pos)
	}

	if _, err := store.ClaimTask(ctx, queue.TaskScript); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	pos, err = store.TaskPosition(ctx, subject.ID)
	if err != nil {
		t.Fatalf("TaskPosition after claim: %v", err)
	}
	if pos != 1 {
		t.Fatalf("position after claim = %d, want 1", pos)
	}
}

func TestTaskPositionForNonWaitingTask(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.ClaimTask(ctx, queue.TaskScript); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	pos, err := store.TaskPosition(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskPosition: %v", err)
	}
	if pos != -1 {
		t.Fatalf("position = %d, want -1 for running task", pos)
	}
}

func TestTwoPhaseCancellation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.ClaimTask(ctx, queue.TaskVideo); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	requested, err := store.RequestCancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancelTask: %v", err)
	}
	if !requested {
		t.Fatal("expected cancel request to land on running task")
	}

	// The flag alone must not change the status.
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskRunning || !got.CancelRequested {
		t.Fatalf("task = %+v, want running with cancel_requested", got)
	}

	flagged, err := store.TaskCancelRequested(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskCancelRequested: %v", err)
	}
	if !flagged {
		t.Fatal("expected cancel flag visible to executor")
	}

	acked, err := store.AcknowledgeCancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("AcknowledgeCancelTask: %v", err)
	}
	if !acked {
		t.Fatal("expected acknowledgement to transition the task")
	}
	got, err = store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCompleteAndFailRequireRunning(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.CompleteTask(ctx, task.ID, ""); err == nil {
		t.Fatal("expected error completing a waiting task")
	}
	if _, err := store.ClaimTask(ctx, queue.TaskScript); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := store.FailTask(ctx, task.ID, "render exploded"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskFailed || got.ErrorMessage != "render exploded" {
		t.Fatalf("task = %+v, want failed with message", got)
	}
}

func TestAppendTaskLogPreservesOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for _, line := range []string{"started", "halfway", "done"} {
		if err := store.AppendTaskLog(ctx, task.ID, line); err != nil {
			t.Fatalf("AppendTaskLog: %v", err)
		}
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LogsJSON != `["started","halfway","done"]` {
		t.Fatalf("logs = %s", got.LogsJSON)
	}
}

func TestSummaryGroupsByTypeAndStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskImage}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.ClaimTask(ctx, queue.TaskScript); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.ByType[queue.TaskScript][queue.TaskWaiting] != 2 {
		t.Fatalf("script waiting = %d, want 2", summary.ByType[queue.TaskScript][queue.TaskWaiting])
	}
	if summary.ByType[queue.TaskScript][queue.TaskRunning] != 1 {
		t.Fatalf("script running = %d, want 1", summary.ByType[queue.TaskScript][queue.TaskRunning])
	}
	if summary.Totals[queue.TaskWaiting] != 3 {
		t.Fatalf("total waiting = %d, want 3", summary.Totals[queue.TaskWaiting])
	}
}

func TestReclaimStaleTasks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskVideo, MaxRetries: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.ClaimTask(ctx, queue.TaskVideo); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	// A cutoff in the past must not touch a fresh heartbeat.
	n, err := store.ReclaimStaleTasks(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReclaimStaleTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d, want 0", n)
	}

	n, err = store.ReclaimStaleTasks(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReclaimStaleTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskWaiting || got.RetryCount != 1 {
		t.Fatalf("task = %+v, want requeued with retry 1", got)
	}
}

func TestSchedulePipelineLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Volcano Facts")
	schedule := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Minute))

	due, err := store.DueSchedules(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	if len(due) != 1 || due[0].ID != schedule.ID {
		t.Fatalf("due = %+v, want schedule %d", due, schedule.ID)
	}

	claimed, err := store.ClaimSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("ClaimSchedule: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to win")
	}
	claimed, err = store.ClaimSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("ClaimSchedule second: %v", err)
	}
	if claimed {
		t.Fatal("second claim must lose")
	}

	if err := store.CreatePipeline(ctx, schedule.ID); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	err = store.CreatePipeline(ctx, schedule.ID)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("duplicate pipeline error = %v, want ErrConflict", err)
	}

	stages, err := store.StagesForSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("StagesForSchedule: %v", err)
	}
	if len(stages) != len(queue.DefaultStages) {
		t.Fatalf("stage count = %d, want %d", len(stages), len(queue.DefaultStages))
	}
	if queue.DeriveScheduleStatus(stages) != queue.SchedulePending {
		t.Fatalf("derived status = %s, want pending", queue.DeriveScheduleStatus(stages))
	}

	started, err := store.StartStage(ctx, schedule.ID, queue.StageScript)
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if !started {
		t.Fatal("expected pending stage to start")
	}
	started, err = store.StartStage(ctx, schedule.ID, queue.StageScript)
	if err != nil {
		t.Fatalf("StartStage again: %v", err)
	}
	if started {
		t.Fatal("running stage must not start twice")
	}

	if err := store.CompleteStage(ctx, schedule.ID, queue.StageScript); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}
	stages, err = store.StagesForSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("StagesForSchedule: %v", err)
	}
	if queue.DeriveScheduleStatus(stages) != queue.ScheduleProcessing {
		t.Fatalf("derived status = %s, want processing", queue.DeriveScheduleStatus(stages))
	}
}

func TestDeriveScheduleStatus(t *testing.T) {
	mk := func(statuses ...queue.StageStatus) []*queue.Stage {
		stages := make([]*queue.Stage, 0, len(statuses))
		for i, st := range statuses {
			stages = append(stages, &queue.Stage{
				Name:   queue.DefaultStages[i],
				Status: st,
			})
		}
		return stages
	}

	cases := []struct {
		name   string
		stages []*queue.Stage
		want   queue.ScheduleStatus
	}{
		{"empty", nil, queue.SchedulePending},
		{"all pending", mk(queue.StagePending, queue.StagePending, queue.StagePending, queue.StagePending), queue.SchedulePending},
		{"one running", mk(queue.StageRunning, queue.StagePending, queue.StagePending, queue.StagePending), queue.ScheduleProcessing},
		{"partial complete", mk(queue.StageCompleted, queue.StagePending, queue.StagePending, queue.StagePending), queue.ScheduleProcessing},
		{"any failed wins", mk(queue.StageCompleted, queue.StageFailed, queue.StageRunning, queue.StagePending), queue.ScheduleFailed},
		{"all complete", mk(queue.StageCompleted, queue.StageCompleted, queue.StageCompleted, queue.StageCompleted), queue.ScheduleCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := queue.DeriveScheduleStatus(tc.stages); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestStuckSweepIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Stuck Run")
	schedule := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Hour))

	if _, err := store.ClaimSchedule(ctx, schedule.ID); err != nil {
		t.Fatalf("ClaimSchedule: %v", err)
	}
	if err := store.CreatePipeline(ctx, schedule.ID); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	// Fresh processing schedules are not stuck, no matter their stages.
	stuck, err := store.StuckSchedules(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("StuckSchedules: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("stuck = %d, want 0 for recent update", len(stuck))
	}

	stuck, err = store.StuckSchedules(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("StuckSchedules: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("stuck = %d, want 1", len(stuck))
	}

	const message = "automation stalled for over 10 minutes"
	swept, err := store.FailStuckSchedule(ctx, stuck[0], message)
	if err != nil {
		t.Fatalf("FailStuckSchedule: %v", err)
	}
	if !swept {
		t.Fatal("expected first sweep to act")
	}
	// Second sweep of the same schedule must be a no-op.
	swept, err = store.FailStuckSchedule(ctx, stuck[0], message)
	if err != nil {
		t.Fatalf("FailStuckSchedule repeat: %v", err)
	}
	if swept {
		t.Fatal("second sweep must not act")
	}

	got, err := store.GetSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Status != queue.ScheduleFailed {
		t.Fatalf("schedule status = %s, want failed", got.Status)
	}
	gotTitle, err := store.GetTitle(ctx, title.ID)
	if err != nil {
		t.Fatalf("GetTitle: %v", err)
	}
	if gotTitle.Status != queue.TitleFailed {
		t.Fatalf("title status = %s, want failed", gotTitle.Status)
	}
	count, err := store.CountTitleLogs(ctx, title.ID, "stalled")
	if err != nil {
		t.Fatalf("CountTitleLogs: %v", err)
	}
	if count != 1 {
		t.Fatalf("log rows = %d, want exactly 1", count)
	}
}

func TestStuckSweepSkipsSchedulesWithRunningStage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Active Run")
	schedule := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Hour))

	if _, err := store.ClaimSchedule(ctx, schedule.ID); err != nil {
		t.Fatalf("ClaimSchedule: %v", err)
	}
	if err := store.CreatePipeline(ctx, schedule.ID); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := store.StartStage(ctx, schedule.ID, queue.StageScript); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	stuck, err := store.StuckSchedules(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("StuckSchedules: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("stuck = %d, want 0 while a stage is running", len(stuck))
	}
}

func TestStopTitleHaltsEverything(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Stop Me")
	first := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Minute))
	second := testsupport.NewSchedule(t, store, title, time.Now().Add(time.Hour))

	if _, err := store.ClaimSchedule(ctx, first.ID); err != nil {
		t.Fatalf("ClaimSchedule: %v", err)
	}
	if err := store.CreatePipeline(ctx, first.ID); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := store.StartStage(ctx, first.ID, queue.StageScript); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	result, err := store.StopTitle(ctx, title.ID, "stopped by user")
	if err != nil {
		t.Fatalf("StopTitle: %v", err)
	}
	if result.StoppedSchedules != 2 {
		t.Fatalf("stopped schedules = %d, want 2", result.StoppedSchedules)
	}
	if result.StoppedStages != int64(len(queue.DefaultStages)) {
		t.Fatalf("stopped stages = %d, want %d", result.StoppedStages, len(queue.DefaultStages))
	}

	for _, id := range []int64{first.ID, second.ID} {
		got, err := store.GetSchedule(ctx, id)
		if err != nil {
			t.Fatalf("GetSchedule: %v", err)
		}
		if got.Status != queue.ScheduleCancelled {
			t.Fatalf("schedule %d status = %s, want cancelled", id, got.Status)
		}
	}
	gotTitle, err := store.GetTitle(ctx, title.ID)
	if err != nil {
		t.Fatalf("GetTitle: %v", err)
	}
	if gotTitle.Status != queue.TitleFailed {
		t.Fatalf("title status = %s, want failed", gotTitle.Status)
	}
}

func TestRefundOnlyFailedSchedules(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.UpsertUser(ctx, "user-1", 10); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	title := testsupport.NewTitle(t, store, "user-1", "Refund Me")
	schedule := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Minute))

	err := store.RefundSchedule(ctx, schedule.ID, 5)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("refund pending error = %v, want ErrValidation", err)
	}

	if err := store.SetScheduleStatus(ctx, schedule.ID, queue.ScheduleFailed); err != nil {
		t.Fatalf("SetScheduleStatus: %v", err)
	}
	if err := store.RefundSchedule(ctx, schedule.ID, 5); err != nil {
		t.Fatalf("RefundSchedule: %v", err)
	}

	credits, err := store.UserCredits(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserCredits: %v", err)
	}
	if credits != 15 {
		t.Fatalf("credits = %d, want 15", credits)
	}
	txs, err := store.CreditTransactions(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreditTransactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Amount != 5 {
		t.Fatalf("transactions = %+v, want one of amount 5", txs)
	}

	// Refunding twice is impossible: the schedule is completed now.
	err = store.RefundSchedule(ctx, schedule.ID, 5)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("double refund error = %v, want ErrValidation", err)
	}
	credits, err = store.UserCredits(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserCredits: %v", err)
	}
	if credits != 15 {
		t.Fatalf("credits after double refund = %d, want 15", credits)
	}
}

func TestForceExecuteHelpers(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Run Now")
	first := testsupport.NewSchedule(t, store, title, time.Now().Add(2*time.Hour))
	second := testsupport.NewSchedule(t, store, title, time.Now().Add(4*time.Hour))

	active, err := store.FirstActiveScheduleForTitle(ctx, title.ID)
	if err != nil {
		t.Fatalf("FirstActiveScheduleForTitle: %v", err)
	}
	if active == nil || active.ID != first.ID {
		t.Fatalf("active = %+v, want oldest schedule %d", active, first.ID)
	}

	cancelled, err := store.CancelSiblingSchedules(ctx, title.ID, first.ID)
	if err != nil {
		t.Fatalf("CancelSiblingSchedules: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", cancelled)
	}
	got, err := store.GetSchedule(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Status != queue.ScheduleCancelled {
		t.Fatalf("sibling status = %s, want cancelled", got.Status)
	}

	if err := store.SetScheduleTime(ctx, first.ID, time.Now().Add(-time.Minute), queue.SchedulePending); err != nil {
		t.Fatalf("SetScheduleTime: %v", err)
	}
	due, err := store.DueSchedules(ctx, time.Now(), 1)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	if len(due) != 1 || due[0].ID != first.ID {
		t.Fatalf("due = %+v, want backdated schedule", due)
	}

	if err := store.CreatePipeline(ctx, first.ID); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := store.StartStage(ctx, first.ID, queue.StageScript); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if err := store.ResetPipeline(ctx, first.ID); err != nil {
		t.Fatalf("ResetPipeline: %v", err)
	}
	stages, err := store.StagesForSchedule(ctx, first.ID)
	if err != nil {
		t.Fatalf("StagesForSchedule: %v", err)
	}
	for _, stage := range stages {
		if stage.Status != queue.StagePending {
			t.Fatalf("stage %s = %s after reset, want pending", stage.Name, stage.Status)
		}
	}
}

func TestCrawlLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job, err := store.EnqueueCrawl(ctx, "https://example.com/trends")
	if err != nil {
		t.Fatalf("EnqueueCrawl: %v", err)
	}
	claimed, err := store.ClaimNextCrawl(ctx)
	if err != nil {
		t.Fatalf("ClaimNextCrawl: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %d", claimed, job.ID)
	}
	if claimed.Status != queue.CrawlProcessing {
		t.Fatalf("status = %s, want processing", claimed.Status)
	}

	// First failure returns to pending with a bumped retry count.
	retrying, err := store.FailCrawl(ctx, job.ID, "timeout", 2)
	if err != nil {
		t.Fatalf("FailCrawl: %v", err)
	}
	if !retrying {
		t.Fatal("expected first failure to retry")
	}
	got, err := store.GetCrawl(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCrawl: %v", err)
	}
	if got.Status != queue.CrawlPending || got.RetryCount != 1 {
		t.Fatalf("job = %+v, want pending retry 1", got)
	}

	if _, err := store.ClaimNextCrawl(ctx); err != nil {
		t.Fatalf("ClaimNextCrawl: %v", err)
	}
	retrying, err = store.FailCrawl(ctx, job.ID, "timeout again", 2)
	if err != nil {
		t.Fatalf("FailCrawl: %v", err)
	}
	if retrying {
		t.Fatal("expected retries to be exhausted")
	}
	got, err = store.GetCrawl(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCrawl: %v", err)
	}
	if got.Status != queue.CrawlFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	reset, err := store.RetryCrawl(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryCrawl: %v", err)
	}
	if !reset {
		t.Fatal("expected failed job to reset")
	}
	if _, err := store.ClaimNextCrawl(ctx); err != nil {
		t.Fatalf("ClaimNextCrawl: %v", err)
	}
	if err := store.CompleteCrawl(ctx, job.ID, `{"topics":["volcanoes"]}`); err != nil {
		t.Fatalf("CompleteCrawl: %v", err)
	}
	got, err = store.GetCrawl(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCrawl: %v", err)
	}
	if got.Status != queue.CrawlDone || got.ResultJSON == "" {
		t.Fatalf("job = %+v, want done with result", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	value, err := store.Setting(ctx, "scheduler_enabled")
	if err != nil {
		t.Fatalf("Setting: %v", err)
	}
	if value != "" {
		t.Fatalf("unset value = %q, want empty", value)
	}
	if err := store.SetSetting(ctx, "scheduler_enabled", "true"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := store.SetSetting(ctx, "scheduler_enabled", "false"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	value, err = store.Setting(ctx, "scheduler_enabled")
	if err != nil {
		t.Fatalf("Setting: %v", err)
	}
	if value != "false" {
		t.Fatalf("value = %q, want false", value)
	}
}

func TestTitleNamesForChannel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "First Title")
	for _, name := range []string{"Second Title", "Third Title"} {
		if _, err := store.CreateTitle(ctx, title.ChannelID, "user-1", name); err != nil {
			t.Fatalf("CreateTitle: %v", err)
		}
	}

	names, err := store.TitleNamesForChannel(ctx, title.ChannelID, 0)
	if err != nil {
		t.Fatalf("TitleNamesForChannel: %v", err)
	}
	want := []string{"Third Title", "Second Title", "First Title"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	names, err = store.TitleNamesForChannel(ctx, title.ChannelID, 1)
	if err != nil {
		t.Fatalf("TitleNamesForChannel limited: %v", err)
	}
	if len(names) != 1 || names[0] != "Third Title" {
		t.Fatalf("limited names = %v, want newest only", names)
	}
}

func TestResumeScheduleOnlyWhenWaitingForUpload(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Resume Me")
	schedule := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Minute))

	resumed, err := store.ResumeSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule: %v", err)
	}
	if resumed {
		t.Fatal("pending schedule must not resume")
	}

	if err := store.SetScheduleStatus(ctx, schedule.ID, queue.ScheduleWaitingForUpload); err != nil {
		t.Fatalf("SetScheduleStatus: %v", err)
	}
	resumed, err = store.ResumeSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule: %v", err)
	}
	if !resumed {
		t.Fatal("expected parked schedule to resume")
	}
	got, err := store.GetSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Status != queue.ScheduleProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}

	// Only one resumer can win the claim.
	resumed, err = store.ResumeSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule repeat: %v", err)
	}
	if resumed {
		t.Fatal("second resume must lose")
	}
}

func TestReopenStageReturnsRunningStageToPending(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	title := testsupport.NewTitle(t, store, "user-1", "Reopen Me")
	schedule := testsupport.NewSchedule(t, store, title, time.Now().Add(-time.Minute))
	if err := store.CreatePipeline(ctx, schedule.ID); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	reopened, err := store.ReopenStage(ctx, schedule.ID, queue.StageUpload)
	if err != nil {
		t.Fatalf("ReopenStage: %v", err)
	}
	if reopened {
		t.Fatal("pending stage must not reopen")
	}

	if _, err := store.StartStage(ctx, schedule.ID, queue.StageUpload); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	reopened, err = store.ReopenStage(ctx, schedule.ID, queue.StageUpload)
	if err != nil {
		t.Fatalf("ReopenStage running: %v", err)
	}
	if !reopened {
		t.Fatal("expected running stage to reopen")
	}

	stages, err := store.StagesForSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("StagesForSchedule: %v", err)
	}
	for _, stage := range stages {
		if stage.Name == queue.StageUpload && stage.Status != queue.StagePending {
			t.Fatalf("upload stage = %s, want pending", stage.Status)
		}
	}

	// A reopened stage is claimable again.
	started, err := store.StartStage(ctx, schedule.ID, queue.StageUpload)
	if err != nil {
		t.Fatalf("StartStage after reopen: %v", err)
	}
	if !started {
		t.Fatal("expected reopened stage to start")
	}
}

func TestRequeueTaskAfterInterruptedRun(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, queue.NewTask{Type: queue.TaskScript})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	requeued, err := store.RequeueTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	if requeued {
		t.Fatal("waiting task must not requeue")
	}

	if _, err := store.ClaimTask(ctx, queue.TaskScript); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	requeued, err = store.RequeueTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequeueTask running: %v", err)
	}
	if !requeued {
		t.Fatal("expected running task to requeue")
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.TaskWaiting || got.RetryCount != 1 {
		t.Fatalf("task = %+v, want waiting with retry 1", got)
	}
}
