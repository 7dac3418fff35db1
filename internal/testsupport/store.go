package testsupport

import (
	"context"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTitle creates a channel and a title under it for tests.
func NewTitle(t testing.TB, store *queue.Store, userID, name string) *queue.Title {
	t.Helper()

	channel, err := store.CreateChannel(context.Background(), queue.Channel{
		UserID:    userID,
		Name:      name + " channel",
		MediaMode: "generate",
	})
	if err != nil {
		t.Fatalf("store.CreateChannel: %v", err)
	}
	title, err := store.CreateTitle(context.Background(), channel.ID, userID, name)
	if err != nil {
		t.Fatalf("store.CreateTitle: %v", err)
	}
	return title
}

// NewSchedule creates a pending schedule for the title at the given time.
func NewSchedule(t testing.TB, store *queue.Store, title *queue.Title, when time.Time) *queue.Schedule {
	t.Helper()

	schedule, err := store.CreateSchedule(context.Background(), title.ID, title.UserID, when)
	if err != nil {
		t.Fatalf("store.CreateSchedule: %v", err)
	}
	return schedule
}
