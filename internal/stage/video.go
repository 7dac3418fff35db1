package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
)

// Video renders the final media for a schedule by enqueueing a video task;
// the worker pool drives the external renderer.
type Video struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger
}

// NewVideo constructs the video stage handler.
func NewVideo(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Video {
	return &Video{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "video-stage")}
}

func (v *Video) Prepare(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, v.logger)
	if strings.TrimSpace(job.Script) == "" {
		return services.Wrap(
			services.ErrValidation, "video", "validate inputs",
			"No script available for rendering; run the script stage first", nil)
	}
	job.VideoPath = ""
	logger.Info("starting video render",
		logging.Int("script_chars", len(job.Script)),
		logging.Bool("has_image_prompt", strings.TrimSpace(job.ImagePrompt) != ""),
	)
	return nil
}

func (v *Video) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, v.logger)
	payload := TaskPayload{
		ScheduleID:  job.Schedule.ID,
		TitleID:     job.Title.ID,
		TitleName:   job.Title.Name,
		Script:      job.Script,
		ImagePrompt: job.ImagePrompt,
	}
	meta, err := payload.Encode()
	if err != nil {
		return err
	}
	task, err := v.store.Enqueue(ctx, queue.NewTask{
		Type:      queue.TaskVideo,
		UserID:    job.Schedule.UserID,
		ProjectID: ScheduleProject(job.Schedule.ID),
		Metadata:  meta,
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "video", "enqueue task", "Failed to enqueue video task", err)
	}
	logger.Info("video task enqueued", logging.Int64(logging.FieldTaskID, task.ID))
	if err := v.store.AppendTitleLog(ctx, job.Title.ID, "info", fmt.Sprintf("video task %d enqueued", task.ID)); err != nil {
		logger.Warn("failed to record title log", logging.Error(err))
	}

	done, err := AwaitTask(ctx, v.store, task.ID, timeoutMinutes(v.cfg.Scheduler.VideoTimeoutMinutes, 30), pollInterval(v.cfg))
	if err != nil {
		return err
	}

	var result struct {
		VideoPath string `json:"video_path"`
	}
	if err := json.Unmarshal([]byte(done.ResultJSON), &result); err != nil {
		return services.Wrap(
			services.ErrExternalTool, "video", "decode result",
			fmt.Sprintf("Video task %d returned a malformed result", task.ID), err)
	}
	job.VideoPath = strings.TrimSpace(result.VideoPath)
	if job.VideoPath == "" {
		return services.Wrap(
			services.ErrExternalTool, "video", "decode result",
			fmt.Sprintf("Video task %d completed without producing a video", task.ID), nil)
	}
	logger.Info("video rendered", logging.String("video_path", job.VideoPath))
	return nil
}

// HealthCheck verifies the renderer binary is available.
func (v *Video) HealthCheck(ctx context.Context) Health {
	const name = "video"
	if v.cfg == nil {
		return Unhealthy(name, "configuration unavailable")
	}
	binary := v.cfg.RenderBinary()
	if strings.TrimSpace(binary) == "" {
		return Unhealthy(name, "render binary not configured")
	}
	if _, err := exec.LookPath(binary); err != nil {
		return Unhealthy(name, fmt.Sprintf("render binary %q not found in PATH", binary))
	}
	return Healthy(name)
}
