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

// Image derives the thumbnail prompt for a schedule from the generated
// script by enqueueing an image task for the worker pool.
type Image struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger
}

// NewImage constructs the image stage handler.
func NewImage(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Image {
	return &Image{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "image-stage")}
}

func (i *Image) Prepare(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, i.logger)
	if strings.TrimSpace(job.Script) == "" {
		return services.Wrap(
			services.ErrValidation, "image", "validate inputs",
			"No script available for image prompt generation; run the script stage first", nil)
	}
	job.ImagePrompt = ""
	logger.Info("starting image prompt generation", logging.Int("script_chars", len(job.Script)))
	return nil
}

func (i *Image) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, i.logger)
	payload := TaskPayload{
		ScheduleID: job.Schedule.ID,
		TitleID:    job.Title.ID,
		TitleName:  job.Title.Name,
		Script:     job.Script,
	}
	meta, err := payload.Encode()
	if err != nil {
		return err
	}
	task, err := i.store.Enqueue(ctx, queue.NewTask{
		Type:      queue.TaskImage,
		UserID:    job.Schedule.UserID,
		ProjectID: ScheduleProject(job.Schedule.ID),
		Metadata:  meta,
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "image", "enqueue task", "Failed to enqueue image task", err)
	}
	logger.Info("image task enqueued", logging.Int64(logging.FieldTaskID, task.ID))

	done, err := AwaitTask(ctx, i.store, task.ID, timeoutMinutes(i.cfg.Scheduler.ScriptTimeoutMinutes, 10), pollInterval(i.cfg))
	if err != nil {
		return err
	}

	var result struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(done.ResultJSON), &result); err != nil {
		return services.Wrap(
			services.ErrExternalTool, "image", "decode result",
			fmt.Sprintf("Image task %d returned a malformed result", task.ID), err)
	}
	job.ImagePrompt = strings.TrimSpace(result.Prompt)
	if job.ImagePrompt == "" {
		return services.Wrap(
			services.ErrExternalTool, "image", "decode result",
			fmt.Sprintf("Image task %d completed without producing a prompt", task.ID), nil)
	}
	logger.Info("image prompt generated", logging.String("image_prompt", job.ImagePrompt))
	return nil
}

// HealthCheck verifies the LLM credentials the image worker depends on.
func (i *Image) HealthCheck(ctx context.Context) Health {
	const name = "image"
	if i.cfg == nil {
		return Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(i.cfg.LLM.APIKey) == "" {
		return Unhealthy(name, "llm api key not configured")
	}
	return Healthy(name)
}
