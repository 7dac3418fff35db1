package poller_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/logging"
	"loom/internal/poller"
)

func TestTriggerNowRunsWithoutWaitingForTick(t *testing.T) {
	var runs atomic.Int64
	p := poller.New("test-loop", time.Hour, logging.NewNop(), func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.TriggerNow()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trigger did not run within deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartTwiceFails(t *testing.T) {
	p := poller.New("test-loop", time.Hour, logging.NewNop(), func(context.Context) error { return nil })
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestStopWaitsAndIsIdempotent(t *testing.T) {
	p := poller.New("test-loop", 10*time.Millisecond, logging.NewNop(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Fatal("poller still reports running after Stop")
	}
}

func TestLoopSurvivesRunErrors(t *testing.T) {
	var runs atomic.Int64
	p := poller.New("test-loop", time.Hour, logging.NewNop(), func(context.Context) error {
		runs.Add(1)
		return errors.New("transient failure")
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.TriggerNow()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first trigger never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.TriggerNow()
	deadline = time.Now().Add(2 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("loop stopped after an error")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
