package driver

import (
	"fmt"
	"image"

	"github.com/go-vgo/robotgo"

	"server-vibe-agent/src/clipboard"
	"server-vibe-agent/src/screenshot"
)

// robotgoDriver drives the real desktop via robotgo, with capture delegated
// to the screenshot package and clipboard to golang.design/x/clipboard.
type robotgoDriver struct{}

// New returns the production driver. Init must be called once before use.
func New() Driver { return &robotgoDriver{} }

// Init prepares the clipboard binding. Separate from New so tests can build
// fakes without touching the host clipboard.
func Init() error {
	if err := clipboard.Init(); err != nil {
		return fmt.Errorf("failed to initialize clipboard: %w", err)
	}
	return nil
}

func (d *robotgoDriver) CaptureScreen() (*image.RGBA, error) {
	return screenshot.Capture()
}

func (d *robotgoDriver) CaptureRegion(region screenshot.Region) (*image.RGBA, error) {
	return screenshot.CaptureRegion(region)
}

func (d *robotgoDriver) ScreenBounds() (image.Rectangle, error) {
	return screenshot.VirtualBounds()
}

func (d *robotgoDriver) MoveClick(x, y int) error {
	robotgo.MoveClick(x, y, "left", false)
	return nil
}

func (d *robotgoDriver) MousePos() (int, int) {
	return robotgo.GetMousePos()
}

// Hotkey presses a combination: the last entry is the key, the rest are
// held modifiers ("ctrl+shift+p" → KeyTap("p", "ctrl", "shift")).
func (d *robotgoDriver) Hotkey(keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("empty hotkey")
	}
	key := keys[len(keys)-1]
	mods := make([]interface{}, 0, len(keys)-1)
	for _, m := range keys[:len(keys)-1] {
		mods = append(mods, m)
	}
	if err := robotgo.KeyTap(key, mods...); err != nil {
		return fmt.Errorf("key tap %v failed: %w", keys, err)
	}
	return nil
}

func (d *robotgoDriver) PressKey(key string) error {
	if err := robotgo.KeyTap(key); err != nil {
		return fmt.Errorf("key tap %q failed: %w", key, err)
	}
	return nil
}

func (d *robotgoDriver) TypeText(text string) error {
	robotgo.TypeStr(text)
	return nil
}

func (d *robotgoDriver) ReadClipboard() (string, error) {
	return clipboard.Read()
}

func (d *robotgoDriver) WriteClipboard(text string) error {
	return clipboard.Write(text)
}

func (d *robotgoDriver) FocusWindow(titleSubstr string) error {
	if titleSubstr == "" {
		return fmt.Errorf("window title substring is empty")
	}
	if err := robotgo.ActiveName(titleSubstr); err != nil {
		return fmt.Errorf("failed to activate window %q: %w", titleSubstr, err)
	}
	return nil
}
