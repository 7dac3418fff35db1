package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

const userAgent = "Loom-Go/0.1.0"

// Service defines the notification surface exposed to automation components.
type Service interface {
	NotifyScheduleStarted(ctx context.Context, titleName string) error
	NotifyScheduleCompleted(ctx context.Context, titleName string) error
	NotifyScheduleFailed(ctx context.Context, titleName, reason string) error
	NotifyScheduleStuck(ctx context.Context, titleName string, minutes int) error
	NotifyTaskFailed(ctx context.Context, taskType string, taskID int64, reason string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint:  topic,
		client:    client,
		schedules: cfg.Notifications.Schedules,
		queue:     cfg.Notifications.Queue,
		errors:    cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	schedules bool
	queue     bool
	errors    bool
}

func (n *ntfyService) NotifyScheduleStarted(ctx context.Context, titleName string) error {
	if !n.schedules {
		return nil
	}
	data := payload{
		title:   "Loom - Automation Started",
		message: fmt.Sprintf("Started automation: %s", strings.TrimSpace(titleName)),
		tags:    []string{"loom", "schedule", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyScheduleCompleted(ctx context.Context, titleName string) error {
	if !n.schedules {
		return nil
	}
	data := payload{
		title:    "Loom - Automation Complete",
		message:  fmt.Sprintf("Video ready: %s", strings.TrimSpace(titleName)),
		tags:     []string{"loom", "schedule", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyScheduleFailed(ctx context.Context, titleName, reason string) error {
	if !n.schedules {
		return nil
	}
	message := fmt.Sprintf("Automation failed: %s", strings.TrimSpace(titleName))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\nReason: %s", message, reason)
	}
	data := payload{
		title:    "Loom - Automation Failed",
		message:  message,
		tags:     []string{"loom", "schedule", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyScheduleStuck(ctx context.Context, titleName string, minutes int) error {
	if !n.schedules {
		return nil
	}
	data := payload{
		title:   "Loom - Automation Stuck",
		message: fmt.Sprintf("Automation stalled for over %d minutes: %s", minutes, strings.TrimSpace(titleName)),
		tags:    []string{"loom", "schedule", "stuck"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTaskFailed(ctx context.Context, taskType string, taskID int64, reason string) error {
	if !n.queue {
		return nil
	}
	message := fmt.Sprintf("%s task %d failed", strings.TrimSpace(taskType), taskID)
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	data := payload{
		title:   "Loom - Task Failed",
		message: message,
		tags:    []string{"loom", "queue", "failed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Loom - Error",
		message:  builder.String(),
		tags:     []string{"loom", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Loom - Test",
		message:  "Notification system test",
		tags:     []string{"loom", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyScheduleStarted(context.Context, string) error             { return nil }
func (noopService) NotifyScheduleCompleted(context.Context, string) error           { return nil }
func (noopService) NotifyScheduleFailed(context.Context, string, string) error      { return nil }
func (noopService) NotifyScheduleStuck(context.Context, string, int) error          { return nil }
func (noopService) NotifyTaskFailed(context.Context, string, int64, string) error   { return nil }
func (noopService) NotifyError(context.Context, error, string) error                { return nil }
func (noopService) TestNotification(context.Context) error                          { return nil }
