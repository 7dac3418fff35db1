package render

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"loom/internal/textutil"
)

var commandContext = exec.CommandContext

// killDelay is the grace window between the SIGTERM sent on context
// cancellation and the SIGKILL escalation to the process group.
const killDelay = 10 * time.Second

// ProgressUpdate captures renderer progress events.
type ProgressUpdate struct {
	Percent float64
	Stage   string
	Message string
}

// Request describes one render invocation.
type Request struct {
	TitleName   string
	Script      string
	ImagePrompt string
	OutputDir   string
}

// Client defines renderer behaviour.
type Client interface {
	Render(ctx context.Context, req Request, progress func(ProgressUpdate)) (string, error)
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithWorkDir overrides the scratch directory for script files.
func WithWorkDir(dir string) Option {
	return func(c *CLI) {
		if dir != "" {
			c.workDir = dir
		}
	}
}

// CLI wraps the external renderer command-line tool.
type CLI struct {
	binary  string
	workDir string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "loom-render", workDir: os.TempDir()}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Render launches the renderer and returns the produced video path. The
// subprocess runs in its own process group; when the context is cancelled
// the whole group receives SIGTERM, then SIGKILL after a grace window, so
// renderer-spawned ffmpeg children cannot outlive a cancelled stage.
func (c *CLI) Render(ctx context.Context, req Request, progress func(ProgressUpdate)) (string, error) {
	if strings.TrimSpace(req.Script) == "" {
		return "", errors.New("script required")
	}
	outputDir := strings.TrimSpace(req.OutputDir)
	if outputDir == "" {
		return "", errors.New("output directory required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	scriptFile, err := c.writeScriptFile(req.Script)
	if err != nil {
		return "", err
	}
	defer os.Remove(scriptFile)

	slug := textutil.SanitizeFileName(req.TitleName)
	if slug == "" {
		slug = "video"
	}
	outputPath := filepath.Join(outputDir, slug+".mp4")

	args := []string{
		"render",
		"--script-file", scriptFile,
		"--output", outputPath,
		"--progress-json",
	}
	if strings.TrimSpace(req.ImagePrompt) != "" {
		args = append(args, "--image-prompt", req.ImagePrompt)
	}
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start renderer: %w", err)
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-done:
			case <-time.After(killDelay):
				_ = unix.Kill(-pgid, unix.SIGKILL)
			}
		case <-done:
		}
	}()
	defer close(done)

	finalPath := outputPath
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		var payload struct {
			Percent    float64 `json:"percent"`
			Stage      string  `json:"stage"`
			Message    string  `json:"message"`
			OutputPath string  `json:"output_path"`
		}
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		if payload.OutputPath != "" {
			finalPath = payload.OutputPath
		}
		if progress != nil {
			progress(ProgressUpdate{Percent: payload.Percent, Stage: payload.Stage, Message: payload.Message})
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read renderer output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("renderer failed: %w", err)
	}
	return finalPath, nil
}

func (c *CLI) writeScriptFile(script string) (string, error) {
	dir := c.workDir
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	file, err := os.CreateTemp(dir, "script-*.txt")
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	if _, err := file.WriteString(script); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write script file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close script file: %w", err)
	}
	return file.Name(), nil
}

var _ Client = (*CLI)(nil)
