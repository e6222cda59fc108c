package shellexec

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	out, err := Run(context.Background(), "echo hello", Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("Expected output to contain 'hello', got %q", out)
	}
}

func TestRunCombinesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stderr redirection syntax differs on cmd.exe")
	}
	out, err := Run(context.Background(), "echo to-stderr 1>&2", Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out, "to-stderr") {
		t.Errorf("Expected stderr in combined output, got %q", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	_, err := Run(context.Background(), "exit 3", Options{})
	if err == nil {
		t.Fatal("Expected error for non-zero exit")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Expected exit code 3, got %d", exitErr.Code)
	}
}

func TestRunEmptyOutputPlaceholder(t *testing.T) {
	out, err := Run(context.Background(), "true", Options{})
	if runtime.GOOS == "windows" {
		t.Skip("no 'true' builtin on cmd.exe")
	}
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "(no output)" {
		t.Errorf("Expected placeholder for silent command, got %q", out)
	}
}

func TestRunCapturesSingleLongLine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("generator syntax differs on cmd.exe")
	}
	// A single unbroken line far beyond any line-buffer size must be
	// captured in full and must not stall the pipe drain, or Wait never
	// returns and the agent stops processing commands.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const want = 2_000_000
	out, err := Run(ctx, "head -c 2000000 /dev/zero | tr '\\0' 'a'", Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out) < want {
		t.Errorf("Expected at least %d bytes captured, got %d", want, len(out))
	}
	if out[0] != 'a' || out[want-1] != 'a' {
		t.Errorf("Unexpected output content: %q...", out[:16])
	}
}

func TestRunTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, "sleep 5", Options{})
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %T: %v", err, err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected kill near the deadline, took %v", elapsed)
	}
}

func TestRunPartialFlushes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("loop syntax differs on cmd.exe")
	}
	var partials []string
	opts := Options{
		FlushInterval: 10 * time.Millisecond,
		OnPartial:     func(p string) { partials = append(partials, p) },
	}
	out, err := Run(context.Background(), "for i in 1 2 3; do echo line$i; sleep 0.05; done", opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out, "line3") {
		t.Errorf("Expected final output to contain line3, got %q", out)
	}
	if len(partials) == 0 {
		t.Error("Expected at least one partial flush")
	}
}
