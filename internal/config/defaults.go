package config

const (
	defaultDataDir               = "~/.local/share/loom"
	defaultLogDir                = "~/.local/share/loom/logs"
	defaultAPIBind               = "127.0.0.1:7519"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 60
	defaultSchedulerPollInterval = 30
	defaultSweepInterval         = 60
	defaultStuckTimeoutMinutes   = 10
	defaultStagePollInterval     = 5
	defaultScriptTimeoutMinutes  = 10
	defaultVideoTimeoutMinutes   = 30
	defaultUploadTimeoutMinutes  = 15
	defaultQueuePollInterval     = 5
	defaultHeartbeatInterval     = 15
	defaultHeartbeatTimeout      = 120
	defaultQueueMaxRetries       = 3
	defaultCrawlPollInterval     = 10
	defaultCrawlBaseTimeout      = 60
	defaultCrawlTimeoutStep      = 30
	defaultCrawlMaxRetries       = 3
	defaultLLMBaseURL            = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel              = "google/gemini-3-flash-preview"
	defaultLLMTitle              = "Loom Content Pipeline"
	defaultLLMTimeoutSeconds     = 60
	defaultRenderWorkDir         = "~/.local/share/loom/render"
	defaultRenderTimeoutSeconds  = 1800
	defaultUploadTimeoutSeconds  = 120
	defaultNotifyRequestTimeout  = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Scheduler: Scheduler{
			PollInterval:         defaultSchedulerPollInterval,
			SweepInterval:        defaultSweepInterval,
			StuckTimeoutMinutes:  defaultStuckTimeoutMinutes,
			StagePollInterval:    defaultStagePollInterval,
			ScriptTimeoutMinutes: defaultScriptTimeoutMinutes,
			VideoTimeoutMinutes:  defaultVideoTimeoutMinutes,
			UploadTimeoutMinutes: defaultUploadTimeoutMinutes,
			AutoSchedule:         true,
		},
		Queue: Queue{
			PollInterval:      defaultQueuePollInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			MaxRetries:        defaultQueueMaxRetries,
		},
		Crawl: Crawl{
			PollInterval:       defaultCrawlPollInterval,
			BaseTimeoutSeconds: defaultCrawlBaseTimeout,
			TimeoutStepSeconds: defaultCrawlTimeoutStep,
			MaxRetries:         defaultCrawlMaxRetries,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Render: Render{
			WorkDir:        defaultRenderWorkDir,
			TimeoutSeconds: defaultRenderTimeoutSeconds,
		},
		Upload: Upload{
			TimeoutSeconds: defaultUploadTimeoutSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Schedules:      true,
			Queue:          true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
