package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
)

// Script generates the narration script for a schedule by enqueueing a
// script task and waiting for a worker to complete it.
type Script struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger
}

// NewScript constructs the script stage handler.
func NewScript(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Script {
	return &Script{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "script-stage")}
}

func (s *Script) Prepare(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, s.logger)
	if job.Title == nil || strings.TrimSpace(job.Title.Name) == "" {
		return services.Wrap(
			services.ErrValidation, "script", "validate inputs",
			"Schedule has no title to write a script for", nil)
	}
	job.Script = ""
	logger.Info("starting script generation", logging.String("title", job.Title.Name))
	return nil
}

func (s *Script) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, s.logger)
	payload := TaskPayload{
		ScheduleID: job.Schedule.ID,
		TitleID:    job.Title.ID,
		TitleName:  job.Title.Name,
	}
	if job.Channel != nil {
		payload.Category = job.Channel.Category
	}
	meta, err := payload.Encode()
	if err != nil {
		return err
	}
	task, err := s.store.Enqueue(ctx, queue.NewTask{
		Type:      queue.TaskScript,
		UserID:    job.Schedule.UserID,
		ProjectID: ScheduleProject(job.Schedule.ID),
		Metadata:  meta,
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "script", "enqueue task", "Failed to enqueue script task", err)
	}
	logger.Info("script task enqueued", logging.Int64(logging.FieldTaskID, task.ID))
	if err := s.store.AppendTitleLog(ctx, job.Title.ID, "info", fmt.Sprintf("script task %d enqueued", task.ID)); err != nil {
		logger.Warn("failed to record title log", logging.Error(err))
	}

	done, err := AwaitTask(ctx, s.store, task.ID, timeoutMinutes(s.cfg.Scheduler.ScriptTimeoutMinutes, 10), pollInterval(s.cfg))
	if err != nil {
		return err
	}

	var result struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal([]byte(done.ResultJSON), &result); err != nil {
		return services.Wrap(
			services.ErrExternalTool, "script", "decode result",
			fmt.Sprintf("Script task %d returned a malformed result", task.ID), err)
	}
	job.Script = strings.TrimSpace(result.Script)
	if job.Script == "" {
		return services.Wrap(
			services.ErrExternalTool, "script", "decode result",
			fmt.Sprintf("Script task %d completed without producing a script", task.ID), nil)
	}
	logger.Info("script generated", logging.Int("script_chars", len(job.Script)))
	return nil
}

// HealthCheck verifies the LLM credentials the script worker depends on.
func (s *Script) HealthCheck(ctx context.Context) Health {
	const name = "script"
	if s.cfg == nil {
		return Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(s.cfg.LLM.APIKey) == "" {
		return Unhealthy(name, "llm api key not configured")
	}
	return Healthy(name)
}
