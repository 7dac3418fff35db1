package stage

import (
	"time"

	"loom/internal/config"
)

func pollInterval(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Scheduler.StagePollInterval > 0 {
		return time.Duration(cfg.Scheduler.StagePollInterval) * time.Second
	}
	return 5 * time.Second
}

func timeoutMinutes(configured, fallback int) time.Duration {
	if configured > 0 {
		return time.Duration(configured) * time.Minute
	}
	return time.Duration(fallback) * time.Minute
}
