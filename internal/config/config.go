package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Scheduler contains timing for the automation scheduler.
type Scheduler struct {
	PollInterval         int  `toml:"poll_interval"`
	SweepInterval        int  `toml:"sweep_interval"`
	StuckTimeoutMinutes  int  `toml:"stuck_timeout_minutes"`
	StagePollInterval    int  `toml:"stage_poll_interval"`
	ScriptTimeoutMinutes int  `toml:"script_timeout_minutes"`
	VideoTimeoutMinutes  int  `toml:"video_timeout_minutes"`
	UploadTimeoutMinutes int  `toml:"upload_timeout_minutes"`
	AutoSchedule         bool `toml:"auto_schedule"`
}

// Queue contains timing for the generic task queue workers.
type Queue struct {
	PollInterval      int `toml:"poll_interval"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	HeartbeatTimeout  int `toml:"heartbeat_timeout"`
	MaxRetries        int `toml:"max_retries"`
}

// Crawl contains settings for the product-link crawl worker.
type Crawl struct {
	PollInterval       int `toml:"poll_interval"`
	BaseTimeoutSeconds int `toml:"base_timeout_seconds"`
	TimeoutStepSeconds int `toml:"timeout_step_seconds"`
	MaxRetries         int `toml:"max_retries"`
}

// LLM contains shared LLM connection settings used for title and script
// generation.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Render contains configuration for the external media renderer.
type Render struct {
	Binary         string `toml:"binary"`
	WorkDir        string `toml:"work_dir"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Upload contains configuration for the upload collaborator.
type Upload struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	MediaDir       string `toml:"media_dir"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Schedules      bool   `toml:"schedules"`
	Queue          bool   `toml:"queue"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for Loom.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Scheduler: automation scheduler polling, stage timeouts, stuck sweep
//   - Queue: generic task queue polling and heartbeat settings
//   - Crawl: crawl worker polling and retry timeouts
//   - LLM: shared LLM connection settings for title/script generation
//   - Render: external renderer subprocess settings
//   - Upload: upload collaborator endpoint
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Queue         Queue         `toml:"queue"`
	Crawl         Crawl         `toml:"crawl"`
	LLM           LLM           `toml:"llm"`
	Render        Render        `toml:"render"`
	Upload        Upload        `toml:"upload"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/loom/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Render.WorkDir) != "" {
		if err := os.MkdirAll(c.Render.WorkDir, 0o755); err != nil {
			return fmt.Errorf("create render work directory %q: %w", c.Render.WorkDir, err)
		}
	}
	if err := os.MkdirAll(c.MediaDir(), 0o755); err != nil {
		return fmt.Errorf("create media directory %q: %w", c.MediaDir(), err)
	}
	return nil
}

// MediaDir returns the drop directory watched for user-provided media on
// upload-mode channels.
func (c *Config) MediaDir() string {
	if dir := strings.TrimSpace(c.Upload.MediaDir); dir != "" {
		return dir
	}
	return filepath.Join(c.Paths.DataDir, "media")
}

// DatabasePath returns the SQLite database file backing all stores.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.db")
}

// RenderBinary returns the external renderer executable name.
func (c *Config) RenderBinary() string {
	if strings.TrimSpace(c.Render.Binary) != "" {
		return c.Render.Binary
	}
	return "loom-render"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LLMConfig contains common LLM settings used across features.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// GetLLM returns the shared LLM connection settings.
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
	}
}
