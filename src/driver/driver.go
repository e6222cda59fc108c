// Package driver is the capability surface between the agent's logic and the
// host desktop. The dispatcher and IDE controller only ever see the Driver
// interface, so everything above this package is testable with a scripted
// fake instead of a live screen.
package driver

import (
	"image"
	"strings"

	"server-vibe-agent/src/screenshot"
)

// Driver exposes the exclusive, non-reentrant desktop resources: screen,
// mouse, keyboard, clipboard, and foreground window.
type Driver interface {
	// CaptureScreen captures the full virtual screen.
	CaptureScreen() (*image.RGBA, error)
	// CaptureRegion captures one rectangle of the screen.
	CaptureRegion(region screenshot.Region) (*image.RGBA, error)
	// ScreenBounds returns the virtual screen rectangle.
	ScreenBounds() (image.Rectangle, error)

	// MoveClick moves the pointer and left-clicks.
	MoveClick(x, y int) error
	// MousePos returns the current pointer position.
	MousePos() (int, int)

	// Hotkey presses a key combination such as ["ctrl", "l"].
	Hotkey(keys []string) error
	// PressKey taps a single key such as "enter".
	PressKey(key string) error
	// TypeText types a literal string into the focused control.
	TypeText(text string) error

	ReadClipboard() (string, error)
	WriteClipboard(text string) error

	// FocusWindow activates the first window whose title contains the
	// substring, restoring it if minimized.
	FocusWindow(titleSubstr string) error
}

// ParseHotkey converts "ctrl+shift+p" into its key list. Empty segments are
// dropped, so a trailing "+" is harmless.
func ParseHotkey(spec string) []string {
	var keys []string
	for _, part := range strings.Split(strings.ToLower(spec), "+") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
