// Package ide drives the IDE's chat surface through the desktop: focus the
// window, paste a prompt, submit it, and read the reply back off the
// clipboard. Everything here assumes it owns the desktop while running; the
// dispatcher guarantees that by executing commands one at a time.
package ide

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"server-vibe-agent/src/config"
	"server-vibe-agent/src/driver"
	"server-vibe-agent/src/screenshot"
	"server-vibe-agent/src/targets"
)

// ErrWindowNotFound means the configured IDE window could not be activated.
var ErrWindowNotFound = errors.New("IDE window not found")

const (
	focusAttempts = 3
	focusRetryGap = 700 * time.Millisecond
	// uiSettle is the pause after an action that repaints the UI.
	uiSettle = 300 * time.Millisecond
	// clipboardPoll is how often AwaitReply re-copies the transcript.
	clipboardPoll = 500 * time.Millisecond
)

// TargetKind selects which learned UI region a debug or learn command
// operates on.
type TargetKind string

const (
	TargetInput  TargetKind = "input"
	TargetOutput TargetKind = "output"
)

// Controller is the chat-automation state machine. Safe for the dispatcher's
// sequential use; Reload may race a config watcher, hence the mutex.
type Controller struct {
	d        driver.Driver
	cfg      config.IDEConfig
	resolver *targets.Resolver

	// Extractor overrides the default marker-based reply extraction when set.
	Extractor ReplyExtractor

	// sleep is swappable so tests do not wait out real countdowns.
	sleep func(time.Duration)

	mu sync.Mutex
}

func NewController(d driver.Driver, cfg config.IDEConfig) *Controller {
	return &Controller{
		d:        d,
		cfg:      cfg,
		resolver: targets.NewResolver(d, cfg.ImageConfidence, cfg.ImageTimeout),
		sleep:    time.Sleep,
	}
}

// Reload swaps in fresh config, picking up re-learned templates and new
// coordinates without a restart.
func (c *Controller) Reload(cfg config.IDEConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.resolver = targets.NewResolver(c.d, cfg.ImageConfidence, cfg.ImageTimeout)
	log.Printf("IDE controller reloaded config")
}

func (c *Controller) snapshot() config.IDEConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) target(kind TargetKind) (targets.Target, error) {
	cfg := c.snapshot()
	switch kind {
	case TargetInput:
		return targets.Target{
			Name:         "chat-input",
			Coords:       cfg.InputPos,
			TemplatePath: cfg.InputImage,
			FocusHotkey:  driver.ParseHotkey(cfg.ChatFocusHotkey),
		}, nil
	case TargetOutput:
		return targets.Target{
			Name:         "chat-output",
			Coords:       cfg.OutputPos,
			TemplatePath: cfg.OutputImage,
			FocusHotkey:  driver.ParseHotkey(cfg.FocusTranscriptHotkey),
		}, nil
	default:
		return targets.Target{}, fmt.Errorf("unknown target kind %q (want input or output)", kind)
	}
}

// EnsureFocus activates the IDE window, retrying because window managers
// sometimes ignore the first activation after a workspace switch.
func (c *Controller) EnsureFocus() error {
	title := c.snapshot().WindowTitleSubstr
	if title == "" {
		return fmt.Errorf("%w: IDE_WINDOW_TITLE_SUBSTR is not configured", ErrWindowNotFound)
	}
	var lastErr error
	for attempt := 1; attempt <= focusAttempts; attempt++ {
		if err := c.d.FocusWindow(title); err != nil {
			lastErr = err
			log.Printf("Focus attempt %d/%d for %q failed: %v", attempt, focusAttempts, title, err)
			c.sleep(focusRetryGap)
			continue
		}
		c.sleep(uiSettle)
		return nil
	}
	return fmt.Errorf("%w: title containing %q (last error: %v)", ErrWindowNotFound, title, lastErr)
}

// OpenAndFocusChat brings the IDE forward, opens the chat panel if a hotkey
// is configured, and places focus in the input box.
func (c *Controller) OpenAndFocusChat() error {
	if err := c.EnsureFocus(); err != nil {
		return err
	}
	cfg := c.snapshot()
	if cfg.OpenChatHotkey != "" {
		if err := c.d.Hotkey(driver.ParseHotkey(cfg.OpenChatHotkey)); err != nil {
			return fmt.Errorf("open-chat hotkey failed: %w", err)
		}
		c.sleep(uiSettle)
	}

	t, err := c.target(TargetInput)
	if err != nil {
		return err
	}
	res, err := c.resolver.Resolve(t)
	if err != nil {
		return err
	}
	log.Printf("Chat input resolved via %s: %s", res.Strategy, strings.Join(res.Trail, "; "))
	return c.focusAt(res, t.FocusHotkey)
}

// focusAt applies a resolution: click a coordinate or press the fallback
// focus hotkey.
func (c *Controller) focusAt(res targets.Resolution, focusKeys []string) error {
	if res.Strategy == targets.StrategyHotkey {
		if err := c.d.Hotkey(focusKeys); err != nil {
			return err
		}
	} else if err := c.d.MoveClick(res.Point.X, res.Point.Y); err != nil {
		return err
	}
	c.sleep(uiSettle)
	return nil
}

// SendPrompt replaces the input box contents with the prompt and submits it.
// Paste via clipboard instead of keystroke typing: it is atomic with respect
// to IDE keybindings and survives non-ASCII text.
func (c *Controller) SendPrompt(text string) error {
	if err := c.d.WriteClipboard(text); err != nil {
		return fmt.Errorf("failed to stage prompt on clipboard: %w", err)
	}
	if err := c.d.Hotkey([]string{"ctrl", "a"}); err != nil {
		return err
	}
	if err := c.d.Hotkey([]string{"ctrl", "v"}); err != nil {
		return fmt.Errorf("paste failed: %w", err)
	}
	c.sleep(uiSettle)
	if err := c.d.PressKey("enter"); err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	log.Printf("Prompt submitted (%d chars)", len(text))
	return nil
}

// AwaitReply copies the transcript repeatedly until an answer marker shows
// up or the response window closes. The sentinel distinguishes "copy did
// nothing" from "transcript is genuinely this text".
func (c *Controller) AwaitReply(ctx context.Context) (string, bool, error) {
	cfg := c.snapshot()
	sentinel := "sv-sentinel-" + uuid.NewString()
	var extractor ReplyExtractor = MarkerExtractor{Markers: cfg.AnswerMarkers}
	if c.Extractor != nil {
		extractor = c.Extractor
	}

	deadline := time.Now().Add(cfg.ResponseWait)
	var lastTranscript string
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		if err := c.d.WriteClipboard(sentinel); err != nil {
			return "", false, fmt.Errorf("failed to arm clipboard sentinel: %w", err)
		}
		if err := c.copyTranscript(cfg); err != nil {
			return "", false, err
		}

		text, err := c.d.ReadClipboard()
		if err == nil && text != sentinel && strings.TrimSpace(text) != "" {
			lastTranscript = text
			if answer, found := extractor.Extract(text); found && answer != "" {
				return answer, true, nil
			}
		}

		if !time.Now().Before(deadline) {
			break
		}
		c.sleep(clipboardPoll)
	}

	if lastTranscript == "" {
		return "", false, fmt.Errorf("transcript copy produced nothing within %s", cfg.ResponseWait)
	}
	answer, _ := extractor.Extract(lastTranscript)
	return answer, false, nil
}

// copyTranscript focuses the transcript pane and copies its contents.
func (c *Controller) copyTranscript(cfg config.IDEConfig) error {
	t, err := c.target(TargetOutput)
	if err != nil {
		return err
	}
	res, err := c.resolver.Resolve(t)
	if err != nil {
		return fmt.Errorf("transcript pane unresolved: %w", err)
	}
	if res.Strategy != targets.StrategyHotkey {
		if err := c.d.MoveClick(res.Point.X, res.Point.Y); err != nil {
			return err
		}
	} else if cfg.FocusTranscriptHotkey != "" {
		if err := c.d.Hotkey(driver.ParseHotkey(cfg.FocusTranscriptHotkey)); err != nil {
			return err
		}
	}
	c.sleep(uiSettle)

	if cfg.CopyTranscriptHotkey != "" {
		return c.d.Hotkey(driver.ParseHotkey(cfg.CopyTranscriptHotkey))
	}
	if err := c.d.Hotkey([]string{"ctrl", "a"}); err != nil {
		return err
	}
	return c.d.Hotkey([]string{"ctrl", "c"})
}

// AskAndRelay is the default-command path: deliver the prompt to the IDE
// chat and bring back the assistant's answer. The bool reports whether an
// answer marker was found; when false the text is a raw transcript tail.
func (c *Controller) AskAndRelay(ctx context.Context, prompt string) (string, bool, error) {
	if err := c.OpenAndFocusChat(); err != nil {
		return "", false, err
	}
	if err := c.SendPrompt(prompt); err != nil {
		return "", false, err
	}
	return c.AwaitReply(ctx)
}

// Status reports the automation configuration in operator-readable form,
// including whether the template files actually exist on disk.
func (c *Controller) Status() string {
	cfg := c.snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "IDE window title substring: %q\n", cfg.WindowTitleSubstr)
	fmt.Fprintf(&b, "Input: %s\n", describeTarget(cfg.InputPos, cfg.InputImage, cfg.ChatFocusHotkey))
	fmt.Fprintf(&b, "Output: %s\n", describeTarget(cfg.OutputPos, cfg.OutputImage, cfg.FocusTranscriptHotkey))
	fmt.Fprintf(&b, "Template matching: confidence >= %.2f within %s\n", cfg.ImageConfidence, cfg.ImageTimeout)
	fmt.Fprintf(&b, "Response wait: %s, answer markers: %d configured", cfg.ResponseWait, len(cfg.AnswerMarkers))
	return b.String()
}

func describeTarget(pos *image.Point, templatePath, hotkey string) string {
	var parts []string
	if pos != nil {
		parts = append(parts, fmt.Sprintf("coords %d,%d", pos.X, pos.Y))
	}
	if templatePath != "" {
		if _, err := os.Stat(templatePath); err == nil {
			parts = append(parts, fmt.Sprintf("template %s (present)", templatePath))
		} else {
			parts = append(parts, fmt.Sprintf("template %s (missing)", templatePath))
		}
	}
	if hotkey != "" {
		parts = append(parts, "hotkey "+hotkey)
	}
	if len(parts) == 0 {
		return "not configured"
	}
	return strings.Join(parts, ", ")
}

// DebugScreen captures the full screen as PNG for upload.
func (c *Controller) DebugScreen() ([]byte, error) {
	img, err := c.d.CaptureScreen()
	if err != nil {
		return nil, fmt.Errorf("screen capture failed: %w", err)
	}
	return screenshot.EncodePNG(img)
}

// DebugLocate runs template matching for one target and returns the
// annotated screen plus a report line, without clicking anything.
func (c *Controller) DebugLocate(kind TargetKind) ([]byte, string, error) {
	t, err := c.target(kind)
	if err != nil {
		return nil, "", err
	}
	m, err := c.resolver.Locate(t)
	if err != nil {
		return nil, "", err
	}
	report := fmt.Sprintf("%s: best match at %d,%d confidence %.3f (threshold %.2f)",
		t.Name, m.Center.X, m.Center.Y, m.Confidence, c.snapshot().ImageConfidence)

	img, err := c.d.CaptureScreen()
	if err != nil {
		return nil, report, fmt.Errorf("screen capture for annotation failed: %w", err)
	}
	screenshot.Annotate(img, m.Box)
	png, err := screenshot.EncodePNG(img)
	if err != nil {
		return nil, report, err
	}
	return png, report, nil
}

// Learn captures a new template for one target from under the mouse cursor
// and returns the annotated screen plus a report line.
func (c *Controller) Learn(kind TargetKind) ([]byte, string, error) {
	t, err := c.target(kind)
	if err != nil {
		return nil, "", err
	}
	cfg := c.snapshot()
	result, err := targets.Learn(c.d, t, cfg.LearnTemplateW, cfg.LearnTemplateH, cfg.LearnCountdown)
	if err != nil {
		return nil, "", err
	}
	report := fmt.Sprintf("Learned %s template: %dx%d around mouse %d,%d, saved to %s",
		t.Name, result.Region.Width, result.Region.Height, result.MousePos.X, result.MousePos.Y, result.Path)

	var png []byte
	if result.Annotated != nil {
		png, err = screenshot.EncodePNG(result.Annotated)
		if err != nil {
			return nil, report, err
		}
	}
	return png, report, nil
}
