package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/services/upload"
)

// uploadedMarker is the title log fragment used as the duplicate-upload
// guard; exactly one such row is written per successful publish.
const uploadedMarker = "upload completed"

// Upload publishes the rendered video through the upload collaborator. For
// channels in upload media mode the schedule is parked until the user drops
// their own media file into the media directory; the scheduler then resumes
// the stage and that file is published instead of a rendered one.
type Upload struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	uploader upload.Service
}

// NewUpload constructs the upload stage handler using the configured
// collaborator client.
func NewUpload(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Upload {
	var svc upload.Service
	if client := upload.NewClient(cfg); client != nil {
		svc = client
	}
	return NewUploadWithDependencies(cfg, store, logger, svc)
}

// NewUploadWithDependencies allows injecting the collaborator (used in tests).
func NewUploadWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, uploader upload.Service) *Upload {
	return &Upload{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "upload-stage"), uploader: uploader}
}

func (u *Upload) Prepare(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, u.logger)
	logger.Info("starting upload",
		logging.String("video_path", strings.TrimSpace(job.VideoPath)),
	)
	return nil
}

func (u *Upload) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, u.logger)

	if job.Channel != nil && job.Channel.MediaMode == queue.MediaModeUpload {
		media, err := MediaForTitle(u.mediaDir(), job.Title.ID)
		if err != nil {
			return services.Wrap(services.ErrTransient, "upload", "check provided media", "Failed to check the media drop directory", err)
		}
		if media == "" {
			// The stage row reverts to pending first so the resumed run can
			// claim it; only then does the schedule read as parked.
			if _, err := u.store.ReopenStage(ctx, job.Schedule.ID, queue.StageUpload); err != nil {
				return services.Wrap(services.ErrTransient, "upload", "park schedule", "Failed to reopen the upload stage", err)
			}
			if err := u.store.SetScheduleStatus(ctx, job.Schedule.ID, queue.ScheduleWaitingForUpload); err != nil {
				return services.Wrap(services.ErrTransient, "upload", "park schedule", "Failed to mark schedule as waiting for upload", err)
			}
			job.Schedule.Status = queue.ScheduleWaitingForUpload
			logger.Info("schedule waiting for user-provided media",
				logging.Int64(logging.FieldScheduleID, job.Schedule.ID),
				logging.String("expected_media", filepath.Join(u.mediaDir(), mediaFilePrefix(job.Title.ID)+".mp4")),
			)
			if err := u.store.AppendTitleLog(ctx, job.Title.ID, "info", "waiting for uploaded media"); err != nil {
				logger.Warn("failed to record title log", logging.Error(err))
			}
			return nil
		}
		job.VideoPath = media
		logger.Info("using uploaded media", logging.String("media_path", media))
		if err := u.store.AppendTitleLog(ctx, job.Title.ID, "info", "uploaded media found: "+filepath.Base(media)); err != nil {
			logger.Warn("failed to record title log", logging.Error(err))
		}
	}

	already, err := u.store.CountTitleLogs(ctx, job.Title.ID, uploadedMarker)
	if err != nil {
		return services.Wrap(services.ErrTransient, "upload", "check duplicate", "Failed to check prior uploads", err)
	}
	if already > 0 {
		logger.Info("skipping duplicate upload", logging.Int64(logging.FieldTitleID, job.Title.ID))
		return nil
	}

	if strings.TrimSpace(job.VideoPath) == "" {
		return services.Wrap(
			services.ErrValidation, "upload", "validate inputs",
			"No rendered video available for upload; run the video stage first", nil)
	}
	if u.uploader == nil {
		return services.Wrap(
			services.ErrConfiguration, "upload", "resolve collaborator",
			"Upload collaborator not configured; set upload.base_url in your loom config.toml", nil)
	}

	result, err := u.uploader.Publish(ctx, upload.Request{
		TitleID:   job.Title.ID,
		TitleName: job.Title.Name,
		UserID:    job.Schedule.UserID,
		VideoPath: job.VideoPath,
	})
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "upload", "publish video", "Upload collaborator rejected the video", err)
	}

	message := uploadedMarker
	if result != nil && strings.TrimSpace(result.URL) != "" {
		message = fmt.Sprintf("%s: %s", uploadedMarker, result.URL)
	}
	if err := u.store.AppendTitleLog(ctx, job.Title.ID, "info", message); err != nil {
		logger.Warn("failed to record title log", logging.Error(err))
	}
	logger.Info("upload completed",
		logging.Int64(logging.FieldTitleID, job.Title.ID),
		logging.String("remote_url", strings.TrimSpace(resultURL(result))),
	)
	return nil
}

func resultURL(result *upload.Result) string {
	if result == nil {
		return ""
	}
	return result.URL
}

func (u *Upload) mediaDir() string {
	if u.cfg == nil {
		return ""
	}
	return u.cfg.MediaDir()
}

// mediaExtensions are the file types accepted from the media drop directory.
var mediaExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

func mediaFilePrefix(titleID int64) string {
	return fmt.Sprintf("title_%d", titleID)
}

// MediaForTitle scans the drop directory for a media file named after the
// title (title_<id>.<ext>). Returns "" when no media has arrived yet; a
// missing directory counts as no media.
func MediaForTitle(dir string, titleID int64) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read media directory: %w", err)
	}
	prefix := mediaFilePrefix(titleID)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !mediaExtensions[ext] {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == prefix {
			return filepath.Join(dir, name), nil
		}
	}
	return "", nil
}

// HealthCheck verifies the collaborator endpoint configuration.
func (u *Upload) HealthCheck(ctx context.Context) Health {
	const name = "upload"
	if u.cfg == nil {
		return Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(u.cfg.Upload.BaseURL) == "" {
		return Unhealthy(name, "upload base url not configured")
	}
	if u.uploader == nil {
		return Unhealthy(name, "upload client unavailable")
	}
	return Healthy(name)
}
