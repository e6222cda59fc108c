// Package targets models the named UI regions the agent interacts with (chat
// input, chat transcript) and resolves them to screen coordinates. A target
// may carry several locator strategies; resolution tries them in a fixed
// priority order and records every failed attempt so automation failures are
// explainable after the fact.
package targets

import (
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"server-vibe-agent/src/driver"
	"server-vibe-agent/src/matcher"
	"server-vibe-agent/src/screenshot"
)

// Strategy names one locator mechanism.
type Strategy string

const (
	StrategyCoords   Strategy = "coords"
	StrategyTemplate Strategy = "template"
	StrategyHotkey   Strategy = "hotkey"
)

// Target is a named, locatable UI region.
type Target struct {
	Name string
	// Coords is an explicit configured screen position. Highest priority.
	Coords *image.Point
	// TemplatePath is a PNG template to match on screen. Second priority.
	TemplatePath string
	// SearchRegion restricts template matching; nil means full screen.
	SearchRegion *image.Rectangle
	// FocusHotkey focuses the target without a coordinate. Last resort.
	FocusHotkey []string
}

// Resolution is a successful locate. Point is only meaningful for the
// coords and template strategies; a hotkey resolution has no coordinate.
type Resolution struct {
	Strategy   Strategy
	Point      image.Point
	Confidence float64
	// Trail records each strategy attempted, including the ones that failed
	// before the winner.
	Trail []string
}

// UnresolvedError reports that every configured strategy failed.
type UnresolvedError struct {
	Target string
	Trail  []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("target %q unresolved: %s", e.Target, strings.Join(e.Trail, "; "))
}

// Resolver locates targets against the live screen.
type Resolver struct {
	driver        driver.Driver
	minConfidence float64
	// matchWindow bounds how long template matching keeps retrying while the
	// UI settles (panel animations, focus repaints).
	matchWindow time.Duration
}

func NewResolver(d driver.Driver, minConfidence float64, matchWindow time.Duration) *Resolver {
	return &Resolver{driver: d, minConfidence: minConfidence, matchWindow: matchWindow}
}

// Resolve tries the strategies in priority order: explicit coords, template
// match above the confidence threshold, hotkey-only. The first success wins;
// exhaustion yields an UnresolvedError carrying the attempt trail.
func (r *Resolver) Resolve(t Target) (Resolution, error) {
	var trail []string

	if t.Coords != nil {
		trail = append(trail, fmt.Sprintf("coords: using configured %d,%d", t.Coords.X, t.Coords.Y))
		return Resolution{Strategy: StrategyCoords, Point: *t.Coords, Trail: trail}, nil
	}
	trail = append(trail, "coords: not configured")

	if t.TemplatePath != "" {
		m, err := r.matchTemplate(t)
		if err != nil {
			trail = append(trail, fmt.Sprintf("template: %v", err))
		} else if m.Confidence >= r.minConfidence {
			trail = append(trail, fmt.Sprintf("template: matched at %d,%d (confidence %.3f)", m.Center.X, m.Center.Y, m.Confidence))
			return Resolution{Strategy: StrategyTemplate, Point: m.Center, Confidence: m.Confidence, Trail: trail}, nil
		} else {
			trail = append(trail, fmt.Sprintf("template: best confidence %.3f below threshold %.3f", m.Confidence, r.minConfidence))
		}
	} else {
		trail = append(trail, "template: not configured")
	}

	if len(t.FocusHotkey) > 0 {
		trail = append(trail, fmt.Sprintf("hotkey: falling back to %s", strings.Join(t.FocusHotkey, "+")))
		return Resolution{Strategy: StrategyHotkey, Trail: trail}, nil
	}
	trail = append(trail, "hotkey: not configured")

	return Resolution{}, &UnresolvedError{Target: t.Name, Trail: trail}
}

// Locate runs only the template strategy and reports the raw best match, for
// the debug-locate command. No threshold gating, no clicking.
func (r *Resolver) Locate(t Target) (matcher.Match, error) {
	if t.TemplatePath == "" {
		return matcher.Match{}, fmt.Errorf("target %q has no template configured", t.Name)
	}
	return r.matchTemplate(t)
}

// matchTemplate recaptures and rescans until a match clears the threshold or
// the retry window closes, then returns the best attempt seen.
func (r *Resolver) matchTemplate(t Target) (matcher.Match, error) {
	tpl, err := matcher.LoadTemplate(t.TemplatePath)
	if err != nil {
		return matcher.Match{}, err
	}

	deadline := time.Now().Add(r.matchWindow)
	var best matcher.Match
	for attempt := 0; ; attempt++ {
		img, err := r.driver.CaptureScreen()
		if err != nil {
			return best, fmt.Errorf("screen capture failed: %w", err)
		}
		var m matcher.Match
		if t.SearchRegion != nil {
			m = matcher.FindInRegion(img, tpl, *t.SearchRegion)
		} else {
			m = matcher.Find(img, tpl)
		}
		if m.Confidence > best.Confidence {
			best = m
		}
		if best.Confidence >= r.minConfidence || !time.Now().Before(deadline) {
			return best, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// LearnResult describes a freshly captured template.
type LearnResult struct {
	Path     string
	MousePos image.Point
	Region   screenshot.Region
	// Template is the captured patch as PNG bytes, for upload so the
	// operator can confirm what was learned from the web UI.
	Template []byte
	// Annotated is the full screen with the captured region boxed.
	Annotated *image.RGBA
}

// Learn captures a w×h region centered on the current pointer position and
// persists it as the target's template, overwriting any prior one. The
// countdown gives the operator time to place the mouse after triggering the
// command from the phone.
func Learn(d driver.Driver, t Target, w, h int, countdown time.Duration) (*LearnResult, error) {
	if t.TemplatePath == "" {
		return nil, fmt.Errorf("target %q has no template path to learn into", t.Name)
	}
	if countdown > 0 {
		log.Printf("Learn %s: waiting %s for mouse placement", t.Name, countdown)
		time.Sleep(countdown)
	}

	x, y := d.MousePos()
	pos := image.Pt(x, y)
	bounds, err := d.ScreenBounds()
	if err != nil {
		return nil, fmt.Errorf("failed to read screen bounds: %w", err)
	}
	region := screenshot.RegionAround(pos, w, h, bounds)

	patch, err := d.CaptureRegion(region)
	if err != nil {
		return nil, fmt.Errorf("failed to capture template region: %w", err)
	}
	png, err := screenshot.EncodePNG(patch)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(t.TemplatePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create template directory: %w", err)
	}
	if err := os.WriteFile(t.TemplatePath, png, 0644); err != nil {
		return nil, fmt.Errorf("failed to persist template: %w", err)
	}
	log.Printf("Learn %s: saved %dx%d template to %s", t.Name, region.Width, region.Height, t.TemplatePath)

	result := &LearnResult{Path: t.TemplatePath, MousePos: pos, Region: region, Template: png}
	if full, err := d.CaptureScreen(); err == nil {
		screenshot.Annotate(full, region.Rect())
		result.Annotated = full
	} else {
		log.Printf("Learn %s: full-screen capture for debug image failed: %v", t.Name, err)
	}
	return result, nil
}
