package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/services/llm"
	"loom/internal/services/render"
	"loom/internal/stage"
)

// Executor runs one claimed task and returns its result payload as JSON.
type Executor interface {
	Execute(ctx context.Context, task *queue.Task) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *queue.Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *queue.Task) (string, error) {
	return f(ctx, task)
}

// ScriptExecutor generates narration scripts with the LLM.
type ScriptExecutor struct {
	client *llm.Client
}

// NewScriptExecutor constructs the script task executor.
func NewScriptExecutor(client *llm.Client) *ScriptExecutor {
	return &ScriptExecutor{client: client}
}

func (e *ScriptExecutor) Execute(ctx context.Context, task *queue.Task) (string, error) {
	payload, err := stage.ParseTaskPayload(task.MetadataJSON)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.TitleName) == "" {
		return "", services.Wrap(services.ErrValidation, "worker", "script task", "Script task has no title name", nil)
	}
	script, err := e.client.GenerateScript(ctx, payload.TitleName, payload.Category)
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "worker", "script task", "LLM script generation failed", err)
	}
	return encodeResult(map[string]string{"script": script.Script})
}

// ImageExecutor derives thumbnail prompts from scripts with the LLM.
type ImageExecutor struct {
	client *llm.Client
}

// NewImageExecutor constructs the image task executor.
func NewImageExecutor(client *llm.Client) *ImageExecutor {
	return &ImageExecutor{client: client}
}

func (e *ImageExecutor) Execute(ctx context.Context, task *queue.Task) (string, error) {
	payload, err := stage.ParseTaskPayload(task.MetadataJSON)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.Script) == "" {
		return "", services.Wrap(services.ErrValidation, "worker", "image task", "Image task has no script to derive a prompt from", nil)
	}
	prompt, err := e.client.GenerateImagePrompt(ctx, payload.Script)
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "worker", "image task", "LLM image prompt generation failed", err)
	}
	return encodeResult(map[string]string{"prompt": prompt})
}

// VideoExecutor drives the external renderer and streams its progress into
// the task log trail.
type VideoExecutor struct {
	cfg    *config.Config
	store  *queue.Store
	render render.Client
	logger *slog.Logger
}

// NewVideoExecutor constructs the video task executor.
func NewVideoExecutor(cfg *config.Config, store *queue.Store, client render.Client, logger *slog.Logger) *VideoExecutor {
	return &VideoExecutor{cfg: cfg, store: store, render: client, logger: logger}
}

func (e *VideoExecutor) Execute(ctx context.Context, task *queue.Task) (string, error) {
	payload, err := stage.ParseTaskPayload(task.MetadataJSON)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.Script) == "" {
		return "", services.Wrap(services.ErrValidation, "worker", "video task", "Video task has no script to render", nil)
	}

	outputDir := filepath.Join(e.cfg.Render.WorkDir, fmt.Sprintf("schedule-%d", payload.ScheduleID))
	lastPercent := -1.0
	videoPath, err := e.render.Render(ctx, render.Request{
		TitleName:   payload.TitleName,
		Script:      payload.Script,
		ImagePrompt: payload.ImagePrompt,
		OutputDir:   outputDir,
	}, func(update render.ProgressUpdate) {
		if update.Percent <= lastPercent {
			return
		}
		lastPercent = update.Percent
		line := fmt.Sprintf("render %s %.0f%%", update.Stage, update.Percent)
		if logErr := e.store.AppendTaskLog(ctx, task.ID, line); logErr != nil && e.logger != nil {
			e.logger.Warn("failed to append task log", logging.Error(logErr))
		}
	})
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "worker", "video task", "Renderer failed", err)
	}
	return encodeResult(map[string]string{"video_path": videoPath})
}

func encodeResult(result any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode task result: %w", err)
	}
	return string(data), nil
}
