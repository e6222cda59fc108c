// Package shellexec runs operator shell commands with a bounded timeout,
// capturing combined stdout+stderr and streaming partial output so the
// phone UI shows progress on long-running commands.
package shellexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ExitError reports a command that ran to completion with a non-zero exit.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command failed with exit code %d\n\n%s", e.Code, e.Output)
}

// TimeoutError reports a command killed by its deadline, with whatever
// output was captured before the kill.
type TimeoutError struct {
	Partial string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out\n\n%s", e.Partial)
}

// PartialFunc receives the output captured so far, at most once per flush
// interval. Called from the reader goroutine; keep it cheap.
type PartialFunc func(partial string)

// Options tune one Run call. FlushInterval of zero disables partial flushes.
type Options struct {
	FlushInterval time.Duration
	OnPartial     PartialFunc
}

// Run executes the command through the OS shell and returns its combined
// output. The ctx deadline bounds execution; on expiry the process is killed
// and a TimeoutError carries the partial output.
func Run(ctx context.Context, command string, opts Options) (string, error) {
	shell, flag := shellCommand()
	cmd := exec.CommandContext(ctx, shell, flag, command)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return "", fmt.Errorf("failed to start command: %w", err)
	}

	// Plain chunked reads, not a line scanner: the pipe must be drained to
	// EOF no matter what the command emits. A scanner gives up on an
	// over-long line, and an undrained pipe blocks the exec copy goroutine,
	// which blocks Wait forever.
	var mu sync.Mutex
	var buf strings.Builder
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		chunk := make([]byte, 32*1024)
		lastFlush := time.Now()
		for {
			n, err := pr.Read(chunk)
			if n > 0 {
				mu.Lock()
				buf.Write(chunk[:n])
				snapshot := buf.String()
				mu.Unlock()
				if opts.OnPartial != nil && opts.FlushInterval > 0 && time.Since(lastFlush) >= opts.FlushInterval {
					opts.OnPartial(snapshot)
					lastFlush = time.Now()
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-readDone

	mu.Lock()
	output := buf.String()
	mu.Unlock()
	if strings.TrimSpace(output) == "" {
		output = "(no output)"
	}

	if ctx.Err() != nil {
		log.Printf("Shell command killed by deadline: %q", command)
		return output, &TimeoutError{Partial: output}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return output, &ExitError{Code: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("command failed: %w", waitErr)
	}
	return output, nil
}

func shellCommand() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}
