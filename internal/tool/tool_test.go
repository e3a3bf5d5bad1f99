package tool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), Command{Name: "true"}, discard())
	if err != nil {
		t.Fatalf("Run(true): %v", err)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}}, discard())
	if err == nil {
		t.Fatal("expected error")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %T", err)
	}
	if runErr.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", runErr.ExitCode())
	}
	if runErr.Stderr() != "oops\n" {
		t.Errorf("stderr = %q, want %q", runErr.Stderr(), "oops\n")
	}
}

func TestRunLogsStdoutAtDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo saved-results-to-somewhere"},
	}, logger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), "saved-results-to-somewhere") {
		t.Fatalf("tool stdout not surfaced in debug log:\n%s", buf.String())
	}
}

func TestRunMissingTool(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), Command{Name: "definitely-not-a-real-tool"}, discard())
	if err == nil {
		t.Fatal("expected error for missing tool")
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "touch marker"},
		Dir:  dir,
	}, discard())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Fatalf("marker not created in working dir: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	start := time.Now()
	err := Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"30"},
		Timeout: 100 * time.Millisecond,
	}, discard())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestRunContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, Command{Name: "sleep", Args: []string{"30"}}, discard())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()

	if err := Available("sh"); err != nil {
		t.Fatalf("Available(sh): %v", err)
	}
	if err := Available("definitely-not-a-real-tool"); err == nil {
		t.Fatal("expected error for missing tool")
	}
}
