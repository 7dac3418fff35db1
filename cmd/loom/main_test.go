package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"loom/internal/testsupport"
)

func TestStatusCommandShowsDaemonState(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Daemon")
	requireContains(t, out, "Running")
	requireContains(t, out, "Queue Status")
}

func TestQueueCommandsRoundTrip(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"queue", "enqueue", "image", "--user", "u1", "--metadata", `{"topic":"volcanoes"}`}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	requireContains(t, out, "Task 1 enqueued")

	out, _, err = runCLI(t, []string{"queue", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "image")
	requireContains(t, out, "waiting")

	out, _, err = runCLI(t, []string{"queue", "status", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Task 1 (image): waiting")
	requireContains(t, out, "Position in queue: 0")

	out, _, err = runCLI(t, []string{"queue", "summary"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	requireContains(t, out, "image")

	out, _, err = runCLI(t, []string{"queue", "cancel", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "Task 1 cancelled")

	if _, _, err = runCLI(t, []string{"queue", "cancel", "zero"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestSchedulerToggleCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"scheduler", "stop"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}
	requireContains(t, out, "Scheduler enabled: no")

	out, _, err = runCLI(t, []string{"scheduler", "start"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	requireContains(t, out, "Scheduler enabled: yes")

	out, _, err = runCLI(t, []string{"scheduler", "status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("scheduler status: %v", err)
	}
	requireContains(t, out, "Scheduler enabled: yes")
}

func TestScheduleCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	title := testsupport.NewTitle(t, env.store, "user-1", "Glass Physics")

	out, _, err := runCLI(t, []string{"schedule", "run", strconv.FormatInt(title.ID, 10)}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("schedule run: %v", err)
	}
	requireContains(t, out, "Pipeline started")

	if _, _, err := runCLI(t, []string{"schedule", "run", "9999"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected error for unknown title")
	}

	out, _, err = runCLI(t, []string{"schedule", "cleanup"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	requireContains(t, out, "No stuck schedules found")
}

func TestCrawlCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"crawl", "add", "https://example.com/reference"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("crawl add: %v", err)
	}
	requireContains(t, out, "Crawl job 1 enqueued")

	out, _, err = runCLI(t, []string{"crawl", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("crawl list: %v", err)
	}
	requireContains(t, out, "https://example.com/reference")
}

func TestConfigInitCommand(t *testing.T) {
	target := filepath.Join(t.TempDir(), "loom", "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, filepath.Join(t.TempDir(), "missing.sock"), "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, filepath.Join(t.TempDir(), "missing.sock"), ""); err == nil {
		t.Fatal("expected error when config already exists")
	}
}
