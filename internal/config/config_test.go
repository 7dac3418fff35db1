package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"loom/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "loom")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7519" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Scheduler.StuckTimeoutMinutes != 10 {
		t.Fatalf("unexpected stuck timeout: %d", cfg.Scheduler.StuckTimeoutMinutes)
	}
	if !cfg.Scheduler.AutoSchedule {
		t.Fatal("expected auto scheduling enabled by default")
	}
	if cfg.Queue.HeartbeatInterval != config.Default().Queue.HeartbeatInterval {
		t.Fatalf("unexpected heartbeat interval: %d", cfg.Queue.HeartbeatInterval)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "loom.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Render.WorkDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "loom.toml")

	type payload struct {
		Scheduler struct {
			PollInterval        int `toml:"poll_interval"`
			StuckTimeoutMinutes int `toml:"stuck_timeout_minutes"`
		} `toml:"scheduler"`
		LLM struct {
			Model string `toml:"model"`
		} `toml:"llm"`
		Queue struct {
			HeartbeatInterval int `toml:"heartbeat_interval"`
			HeartbeatTimeout  int `toml:"heartbeat_timeout"`
		} `toml:"queue"`
	}
	custom := payload{}
	custom.Scheduler.PollInterval = 15
	custom.Scheduler.StuckTimeoutMinutes = 20
	custom.LLM.Model = "example/model"
	custom.Queue.HeartbeatInterval = 20
	custom.Queue.HeartbeatTimeout = 200
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Scheduler.PollInterval != 15 {
		t.Fatalf("expected poll interval 15, got %d", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.StuckTimeoutMinutes != 20 {
		t.Fatalf("expected stuck timeout 20, got %d", cfg.Scheduler.StuckTimeoutMinutes)
	}
	if cfg.LLM.Model != "example/model" {
		t.Fatalf("expected model override, got %q", cfg.LLM.Model)
	}
	if cfg.Queue.HeartbeatInterval != 20 {
		t.Fatalf("expected heartbeat interval 20, got %d", cfg.Queue.HeartbeatInterval)
	}
	if cfg.Queue.HeartbeatTimeout != 200 {
		t.Fatalf("expected heartbeat timeout 200, got %d", cfg.Queue.HeartbeatTimeout)
	}
}

func TestEnvVarOverridesConfigFileForAPIKeys(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "loom.toml")

	type payload struct {
		LLM struct {
			APIKey string `toml:"api_key"`
		} `toml:"llm"`
		Upload struct {
			APIKey string `toml:"api_key"`
		} `toml:"upload"`
	}
	custom := payload{}
	custom.LLM.APIKey = "file-llm"
	custom.Upload.APIKey = "file-upload"

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	t.Setenv("OPENROUTER_API_KEY", "env-llm")
	t.Setenv("LOOM_UPLOAD_API_KEY", "env-upload")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	// File values win when set; env only fills gaps.
	if cfg.LLM.APIKey != "file-llm" {
		t.Errorf("expected LLM key from file, got %q", cfg.LLM.APIKey)
	}
	if cfg.Upload.APIKey != "file-upload" {
		t.Errorf("expected upload key from file, got %q", cfg.Upload.APIKey)
	}

	empty := payload{}
	data, err = toml.Marshal(empty)
	if err != nil {
		t.Fatalf("marshal empty config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write empty config: %v", err)
	}
	cfg, _, _, err = config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.APIKey != "env-llm" {
		t.Errorf("expected LLM key from env fallback, got %q", cfg.LLM.APIKey)
	}
	if cfg.Upload.APIKey != "env-upload" {
		t.Errorf("expected upload key from env fallback, got %q", cfg.Upload.APIKey)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "[scheduler]") {
		t.Fatalf("sample config missing scheduler section: %s", contents)
	}

	// Validate it decodes
	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.PollInterval = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive poll interval")
	}

	cfg = config.Default()
	cfg.Queue.HeartbeatInterval = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for heartbeat interval")
	}

	cfg = config.Default()
	cfg.Queue.HeartbeatTimeout = cfg.Queue.HeartbeatInterval
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when timeout <= interval")
	}

	cfg = config.Default()
	cfg.Upload.BaseURL = "https://upload.example.com"
	cfg.Upload.TimeoutSeconds = -5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative upload timeout with base url set")
	}
}
