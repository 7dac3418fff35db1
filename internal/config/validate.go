package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateCrawl(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		return errors.New("paths.api_bind must be set")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	return ensurePositiveMap(map[string]int{
		"scheduler.poll_interval":          c.Scheduler.PollInterval,
		"scheduler.sweep_interval":         c.Scheduler.SweepInterval,
		"scheduler.stuck_timeout_minutes":  c.Scheduler.StuckTimeoutMinutes,
		"scheduler.stage_poll_interval":    c.Scheduler.StagePollInterval,
		"scheduler.script_timeout_minutes": c.Scheduler.ScriptTimeoutMinutes,
		"scheduler.video_timeout_minutes":  c.Scheduler.VideoTimeoutMinutes,
		"scheduler.upload_timeout_minutes": c.Scheduler.UploadTimeoutMinutes,
	})
}

func (c *Config) validateQueue() error {
	if err := ensurePositiveMap(map[string]int{
		"queue.poll_interval": c.Queue.PollInterval,
	}); err != nil {
		return err
	}
	if c.Queue.HeartbeatInterval <= 0 {
		return errors.New("queue.heartbeat_interval must be positive")
	}
	if c.Queue.HeartbeatTimeout <= 0 {
		return errors.New("queue.heartbeat_timeout must be positive")
	}
	if c.Queue.HeartbeatTimeout <= c.Queue.HeartbeatInterval {
		return errors.New("queue.heartbeat_timeout must be greater than queue.heartbeat_interval")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	return nil
}

func (c *Config) validateCrawl() error {
	return ensurePositiveMap(map[string]int{
		"crawl.poll_interval":        c.Crawl.PollInterval,
		"crawl.base_timeout_seconds": c.Crawl.BaseTimeoutSeconds,
		"crawl.timeout_step_seconds": c.Crawl.TimeoutStepSeconds,
	})
}

func (c *Config) validateUpload() error {
	if strings.TrimSpace(c.Upload.BaseURL) != "" && c.Upload.TimeoutSeconds <= 0 {
		return errors.New("upload.timeout_seconds must be positive when upload.base_url is set")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
