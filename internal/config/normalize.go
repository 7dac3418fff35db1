package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScheduler()
	c.normalizeQueue()
	c.normalizeCrawl()
	c.normalizeLLM()
	if err := c.normalizeRender(); err != nil {
		return err
	}
	if err := c.normalizeUpload(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeScheduler() {
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = defaultSchedulerPollInterval
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = defaultSweepInterval
	}
	if c.Scheduler.StuckTimeoutMinutes <= 0 {
		c.Scheduler.StuckTimeoutMinutes = defaultStuckTimeoutMinutes
	}
	if c.Scheduler.StagePollInterval <= 0 {
		c.Scheduler.StagePollInterval = defaultStagePollInterval
	}
	if c.Scheduler.ScriptTimeoutMinutes <= 0 {
		c.Scheduler.ScriptTimeoutMinutes = defaultScriptTimeoutMinutes
	}
	if c.Scheduler.VideoTimeoutMinutes <= 0 {
		c.Scheduler.VideoTimeoutMinutes = defaultVideoTimeoutMinutes
	}
	if c.Scheduler.UploadTimeoutMinutes <= 0 {
		c.Scheduler.UploadTimeoutMinutes = defaultUploadTimeoutMinutes
	}
}

func (c *Config) normalizeQueue() {
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultQueuePollInterval
	}
	if c.Queue.HeartbeatInterval <= 0 {
		c.Queue.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Queue.HeartbeatTimeout <= 0 {
		c.Queue.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Queue.MaxRetries < 0 {
		c.Queue.MaxRetries = defaultQueueMaxRetries
	}
}

func (c *Config) normalizeCrawl() {
	if c.Crawl.PollInterval <= 0 {
		c.Crawl.PollInterval = defaultCrawlPollInterval
	}
	if c.Crawl.BaseTimeoutSeconds <= 0 {
		c.Crawl.BaseTimeoutSeconds = defaultCrawlBaseTimeout
	}
	if c.Crawl.TimeoutStepSeconds <= 0 {
		c.Crawl.TimeoutStepSeconds = defaultCrawlTimeoutStep
	}
	if c.Crawl.MaxRetries < 0 {
		c.Crawl.MaxRetries = defaultCrawlMaxRetries
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.Title == "" {
		c.LLM.Title = defaultLLMTitle
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("LOOM_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeRender() error {
	var err error
	if strings.TrimSpace(c.Render.WorkDir) == "" {
		c.Render.WorkDir = defaultRenderWorkDir
	}
	if c.Render.WorkDir, err = expandPath(c.Render.WorkDir); err != nil {
		return fmt.Errorf("render.work_dir: %w", err)
	}
	c.Render.Binary = strings.TrimSpace(c.Render.Binary)
	if c.Render.TimeoutSeconds <= 0 {
		c.Render.TimeoutSeconds = defaultRenderTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeUpload() error {
	c.Upload.BaseURL = strings.TrimSpace(c.Upload.BaseURL)
	c.Upload.APIKey = strings.TrimSpace(c.Upload.APIKey)
	if c.Upload.APIKey == "" {
		if value, ok := os.LookupEnv("LOOM_UPLOAD_API_KEY"); ok {
			c.Upload.APIKey = strings.TrimSpace(value)
		}
	}
	var err error
	if c.Upload.MediaDir, err = expandPath(c.Upload.MediaDir); err != nil {
		return fmt.Errorf("upload.media_dir: %w", err)
	}
	if c.Upload.TimeoutSeconds <= 0 {
		c.Upload.TimeoutSeconds = defaultUploadTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
