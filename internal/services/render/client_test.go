package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestNewCLIWithBinary(t *testing.T) {
	cli := NewCLI(WithBinary("/opt/loom-render"))
	if cli.binary != "/opt/loom-render" {
		t.Fatalf("expected binary override to be applied, got %q", cli.binary)
	}
}

func TestCLIRenderRequiresScript(t *testing.T) {
	cli := NewCLI()
	if _, err := cli.Render(context.Background(), Request{OutputDir: t.TempDir()}, nil); err == nil {
		t.Fatal("expected error when script is empty")
	}
}

func TestCLIRenderRequiresOutputDir(t *testing.T) {
	cli := NewCLI()
	if _, err := cli.Render(context.Background(), Request{Script: "hello"}, nil); err == nil {
		t.Fatal("expected error when output directory is empty")
	}
}

func TestCLIRenderIncludesImagePrompt(t *testing.T) {
	var capturedArgs []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		capturedArgs = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "RENDER_HELPER_MODE=success")
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})

	cli := NewCLI(WithWorkDir(t.TempDir()))
	req := Request{
		TitleName:   "Volcano Facts",
		Script:      "Volcanoes are windows into the planet.",
		ImagePrompt: "dramatic volcano at dusk",
		OutputDir:   filepath.Join(t.TempDir(), "out"),
	}
	if _, err := cli.Render(context.Background(), req, nil); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	idx := findArg(capturedArgs, "--image-prompt")
	if idx == -1 {
		t.Fatalf("expected renderer command to include --image-prompt, got %v", capturedArgs)
	}
	if idx+1 >= len(capturedArgs) || capturedArgs[idx+1] != "dramatic volcano at dusk" {
		t.Fatalf("expected image prompt value, got args %v", capturedArgs)
	}
	if findArg(capturedArgs, "--progress-json") == -1 {
		t.Fatalf("expected renderer command to include --progress-json, got %v", capturedArgs)
	}
}

func TestCLIRenderSuccess(t *testing.T) {
	setHelperCommand(t, "success")

	cli := NewCLI(WithWorkDir(t.TempDir()))
	outputDir := filepath.Join(t.TempDir(), "out")

	var updates []ProgressUpdate
	path, err := cli.Render(context.Background(), Request{
		TitleName: "Volcano Facts",
		Script:    "Volcanoes are windows into the planet.",
		OutputDir: outputDir,
	}, func(update ProgressUpdate) {
		updates = append(updates, update)
	})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if path != "/renders/final.mp4" {
		t.Fatalf("expected reported output path, got %q", path)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 progress updates, got %d", len(updates))
	}
	if updates[len(updates)-1].Percent != 100 {
		t.Fatalf("expected final update to report 100 percent, got %f", updates[len(updates)-1].Percent)
	}
}

func TestCLIRenderDefaultsOutputPath(t *testing.T) {
	setHelperCommand(t, "silent")

	cli := NewCLI(WithWorkDir(t.TempDir()))
	outputDir := filepath.Join(t.TempDir(), "out")

	path, err := cli.Render(context.Background(), Request{
		TitleName: "Volcano Facts",
		Script:    "short script",
		OutputDir: outputDir,
	}, nil)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if filepath.Dir(path) != outputDir {
		t.Fatalf("expected output under %q, got %q", outputDir, path)
	}
}

func TestCLIRenderFailure(t *testing.T) {
	setHelperCommand(t, "failure")

	cli := NewCLI(WithWorkDir(t.TempDir()))
	if _, err := cli.Render(context.Background(), Request{
		Script:    "short script",
		OutputDir: filepath.Join(t.TempDir(), "out"),
	}, nil); err == nil {
		t.Fatal("expected render failure error")
	}
}

func TestCLIRenderSkipsInvalidJSON(t *testing.T) {
	setHelperCommand(t, "badjson")

	cli := NewCLI(WithWorkDir(t.TempDir()))
	var updates []ProgressUpdate
	if _, err := cli.Render(context.Background(), Request{
		Script:    "short script",
		OutputDir: filepath.Join(t.TempDir(), "out"),
	}, func(update ProgressUpdate) {
		updates = append(updates, update)
	}); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 progress update from valid json, got %d", len(updates))
	}
	if updates[0].Stage != "render" {
		t.Fatalf("expected stage 'render', got %q", updates[0].Stage)
	}
}

func setHelperCommand(t *testing.T, mode string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("RENDER_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("RENDER_HELPER_MODE") {
	case "success":
		fmt.Println(`{"percent":0,"stage":"render","message":"begin"}`)
		fmt.Println(`{"percent":50,"stage":"render","message":"halfway"}`)
		fmt.Println(`{"percent":100,"stage":"complete","message":"done","output_path":"/renders/final.mp4"}`)
		os.Exit(0)
	case "silent":
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "render failed")
		os.Exit(1)
	case "badjson":
		fmt.Println("not-json")
		fmt.Println(`{"percent":75,"stage":"render"}`)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}
