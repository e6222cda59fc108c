package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"runtime/debug"
	"time"

	"server-vibe-agent/src/feed"
	"server-vibe-agent/src/ide"
	"server-vibe-agent/src/logutil"
	"server-vibe-agent/src/queue"
	"server-vibe-agent/src/screenshot"
	"server-vibe-agent/src/shellexec"
	"server-vibe-agent/src/worker"
)

// finalizeTimeout bounds the terminal-status write after a handler returns.
const finalizeTimeout = 20 * time.Second

// Backend is the slice of the queue client the dispatcher needs.
type Backend interface {
	FetchClaimable(ctx context.Context) ([]queue.Command, error)
	Claim(ctx context.Context, id string) (bool, error)
	Finalize(ctx context.Context, id string, status queue.Status, logText, imageURL string) error
	UpdateProgress(ctx context.Context, id string, partial string) error
	UploadScreenshot(ctx context.Context, userID string, png []byte, label string) (string, error)
}

// ChatIDE is the automation surface behind the /ide verbs and the default
// relay path.
type ChatIDE interface {
	AskAndRelay(ctx context.Context, prompt string) (answer string, found bool, err error)
	Status() string
	DebugScreen() ([]byte, error)
	DebugLocate(kind ide.TargetKind) (png []byte, report string, err error)
	Learn(kind ide.TargetKind) (png []byte, report string, err error)
}

// AppLauncher starts allow-listed desktop applications.
type AppLauncher interface {
	Open(keyword string) (resolvedCommand string, err error)
}

// Screen is the capture and pointer slice of the desktop driver.
type Screen interface {
	CaptureScreen() (*image.RGBA, error)
	MousePos() (int, int)
}

// Options wires a Dispatcher.
type Options struct {
	Backend  Backend
	IDE      ChatIDE
	Launcher AppLauncher
	Screen   Screen
	Feed     *feed.Feed
	Runner   *worker.Runner

	PollInterval     time.Duration
	CommandTimeout   time.Duration
	LogFlushInterval time.Duration
}

// Dispatcher owns the command lifecycle: poll and push sources feed it,
// it claims each command exactly once, runs the matching handler through the
// sequential worker, and finalizes the row with the outcome.
type Dispatcher struct {
	backend  Backend
	ide      ChatIDE
	launcher AppLauncher
	screen   Screen
	feed     *feed.Feed
	runner   *worker.Runner

	pollInterval   time.Duration
	commandTimeout time.Duration
	flushInterval  time.Duration
}

func New(opts Options) *Dispatcher {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	commandTimeout := opts.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = 120 * time.Second
	}
	return &Dispatcher{
		backend:        opts.Backend,
		ide:            opts.IDE,
		launcher:       opts.Launcher,
		screen:         opts.Screen,
		feed:           opts.Feed,
		runner:         opts.Runner,
		pollInterval:   pollInterval,
		commandTimeout: commandTimeout,
		flushInterval:  opts.LogFlushInterval,
	}
}

// Run polls for pending commands and consumes the merged feed until ctx is
// cancelled. The poll is the correctness source; realtime pushes offered into
// the same feed only cut latency.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	log.Printf("Dispatcher running (poll %s, command timeout %s)", d.pollInterval, d.commandTimeout)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Dispatcher stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			d.poll(ctx)
		case cmd := <-d.feed.Commands():
			d.dispatch(ctx, cmd)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	rows, err := d.backend.FetchClaimable(ctx)
	if err != nil {
		log.Printf("Poll failed: %v", err)
		return
	}
	for _, cmd := range rows {
		d.feed.Offer(cmd)
	}
}

// dispatch hands one command to the worker. When the worker is busy the
// command is released back to the feed; it stays pending in the queue and the
// next poll re-offers it.
func (d *Dispatcher) dispatch(ctx context.Context, cmd queue.Command) {
	job := worker.Job{
		Name: cmd.ID,
		Ctx:  ctx,
		Run: func(ctx context.Context) error {
			d.process(ctx, cmd)
			return nil
		},
		Done: func(error) {
			d.feed.Forget(cmd.ID)
		},
	}
	if !d.runner.Submit(job) {
		log.Printf("Worker busy, deferring command %s", cmd.ID)
		d.feed.Forget(cmd.ID)
	}
}

// process is the full lifecycle for one command: claim, execute with the
// per-command deadline, finalize.
func (d *Dispatcher) process(ctx context.Context, cmd queue.Command) {
	claimed, err := d.backend.Claim(ctx, cmd.ID)
	if err != nil {
		log.Printf("Claim %s failed: %v", cmd.ID, err)
		return
	}
	if !claimed {
		log.Printf("Command %s already claimed elsewhere, skipping", cmd.ID)
		return
	}
	log.Printf("Processing command %s: %q", cmd.ID, logutil.Sanitize(cmd.CommandText, 200))

	cmdCtx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	res := d.execute(cmdCtx, cmd)
	cancel()

	status := queue.StatusCompleted
	logText := res.logText
	if res.err != nil {
		status = queue.StatusError
		logText = res.err.Error()
	}

	// Finalize on a fresh context: the command deadline must not strand the
	// row in processing.
	finCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := d.backend.Finalize(finCtx, cmd.ID, status, logText, res.imageURL); err != nil {
		log.Printf("Finalize %s failed: %v", cmd.ID, err)
		return
	}
	log.Printf("Command %s finalized as %s", cmd.ID, status)
}

// statusReport combines the IDE controller's readiness report with the
// dispatcher's own view. The in-flight count includes the status command
// itself.
func (d *Dispatcher) statusReport() string {
	return fmt.Sprintf("%s\nCommands in flight: %d (poll every %s, command timeout %s)",
		d.ide.Status(), d.feed.InFlight(), d.pollInterval, d.commandTimeout)
}

type result struct {
	logText  string
	imageURL string
	err      error
}

func fail(err error) result { return result{err: err} }

// execute routes a classified command to its handler. A panicking handler is
// converted into an error outcome here, before finalize, so the command
// cannot strand in processing and the loop keeps running.
func (d *Dispatcher) execute(ctx context.Context, cmd queue.Command) (res result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Handler for %s panicked: %v\n%s", cmd.ID, r, debug.Stack())
			res = fail(fmt.Errorf("internal error: handler panicked: %v", r))
		}
	}()

	action := Classify(cmd.CommandText)
	log.Printf("Command %s classified as %s", cmd.ID, action.Kind)

	switch action.Kind {
	case KindInvalid:
		return fail(errors.New(action.Reason))
	case KindShell:
		return d.runShell(ctx, cmd, action.Arg)
	case KindCapture:
		return d.capture(ctx, cmd, "capture", "Screenshot captured")
	case KindOpenApp:
		resolved, err := d.launcher.Open(action.Arg)
		if err != nil {
			return fail(err)
		}
		return result{logText: fmt.Sprintf("Opened %s (%s)", action.Arg, resolved)}
	case KindPos:
		x, y := d.screen.MousePos()
		return result{logText: fmt.Sprintf("Mouse position: %d,%d", x, y)}
	case KindIDEStatus:
		return result{logText: d.statusReport()}
	case KindIDEDebugScreen:
		png, err := d.ide.DebugScreen()
		if err != nil {
			return fail(err)
		}
		return d.uploadResult(ctx, cmd, png, "debug_screen", "Debug screenshot captured")
	case KindIDEDebugLocate:
		png, report, err := d.ide.DebugLocate(action.Target)
		if err != nil {
			return fail(err)
		}
		return d.uploadResult(ctx, cmd, png, "debug_locate_"+string(action.Target), report)
	case KindIDELearn:
		png, report, err := d.ide.Learn(action.Target)
		if err != nil {
			return fail(err)
		}
		if png == nil {
			return result{logText: report}
		}
		return d.uploadResult(ctx, cmd, png, "learn_"+string(action.Target), report)
	case KindRelay:
		answer, found, err := d.ide.AskAndRelay(ctx, action.Arg)
		if err != nil {
			return fail(err)
		}
		if !found {
			return result{logText: "No answer marker found; transcript tail follows.\n\n" + answer}
		}
		return result{logText: answer}
	default:
		return fail(fmt.Errorf("unhandled action kind %v", action.Kind))
	}
}

// runShell streams partial output into the row while the command runs.
// A non-zero exit or timeout finalizes as error with the output attached.
func (d *Dispatcher) runShell(ctx context.Context, cmd queue.Command, shellCmd string) result {
	opts := shellexec.Options{
		FlushInterval: d.flushInterval,
		OnPartial: func(partial string) {
			// Best effort by contract; progress failures never fail the run.
			_ = d.backend.UpdateProgress(ctx, cmd.ID, partial)
		},
	}
	output, err := shellexec.Run(ctx, shellCmd, opts)
	if err != nil {
		return fail(err)
	}
	return result{logText: output}
}

// capture takes a full-screen shot, uploads it, and records the public URL.
func (d *Dispatcher) capture(ctx context.Context, cmd queue.Command, label, message string) result {
	img, err := d.screen.CaptureScreen()
	if err != nil {
		return fail(fmt.Errorf("screen capture failed: %w", err))
	}
	png, err := screenshot.EncodePNG(img)
	if err != nil {
		return fail(err)
	}
	return d.uploadResult(ctx, cmd, png, label, message)
}

func (d *Dispatcher) uploadResult(ctx context.Context, cmd queue.Command, png []byte, label, message string) result {
	url, err := d.backend.UploadScreenshot(ctx, cmd.UserID, png, label)
	if err != nil {
		return fail(fmt.Errorf("screenshot upload failed: %w", err))
	}
	return result{logText: message, imageURL: url}
}
