package screenshot

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/kbinani/screenshot"
)

// Region is a rectangular screen area in virtual-screen coordinates.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.X, r.Y, r.Width, r.Height)
}

// VirtualBounds returns the union of all active display bounds.
func VirtualBounds() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, fmt.Errorf("no active displays found")
	}
	union := screenshot.GetDisplayBounds(0)
	for i := 1; i < n; i++ {
		union = union.Union(screenshot.GetDisplayBounds(i))
	}
	return union, nil
}

// Capture captures the entire virtual screen across all active displays.
func Capture() (*image.RGBA, error) {
	union, err := VirtualBounds()
	if err != nil {
		return nil, err
	}
	img, err := screenshot.CaptureRect(union)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screen: %w", err)
	}
	return img, nil
}

// CaptureRegion captures a specific region of the screen.
func CaptureRegion(region Region) (*image.RGBA, error) {
	if region.Width <= 0 || region.Height <= 0 {
		return nil, fmt.Errorf("invalid region dimensions: width=%d, height=%d", region.Width, region.Height)
	}
	img, err := screenshot.CaptureRect(region.Rect())
	if err != nil {
		return nil, fmt.Errorf("failed to capture region %s: %w", region, err)
	}
	return img, nil
}

// RegionAround builds a w×h region centered on a point, clamped to bounds.
// Used by template learning: the captured patch must stay on screen even when
// the pointer sits near an edge.
func RegionAround(center image.Point, w, h int, bounds image.Rectangle) Region {
	if w < 40 {
		w = 40
	}
	if h < 40 {
		h = 40
	}
	left := center.X - w/2
	top := center.Y - h/2
	if left < bounds.Min.X {
		left = bounds.Min.X
	}
	if top < bounds.Min.Y {
		top = bounds.Min.Y
	}
	if left+w > bounds.Max.X {
		left = bounds.Max.X - w
	}
	if top+h > bounds.Max.Y {
		top = bounds.Max.Y - h
	}
	return Region{X: left, Y: top, Width: w, Height: h}
}

// EncodePNG renders an image as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image as PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Annotate draws a red box with a white outer outline around rect, for the
// debug screenshots uploaded by locate and learn commands.
func Annotate(img *image.RGBA, rect image.Rectangle) {
	red := color.RGBA{R: 255, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	drawRect(img, rect, red, 6)
	drawRect(img, rect.Inset(-2), white, 2)
}

func drawRect(img *image.RGBA, rect image.Rectangle, c color.RGBA, thickness int) {
	b := img.Bounds()
	set := func(x, y int) {
		if image.Pt(x, y).In(b) {
			img.SetRGBA(x, y, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for x := rect.Min.X - t; x <= rect.Max.X+t; x++ {
			set(x, rect.Min.Y-t)
			set(x, rect.Max.Y+t)
		}
		for y := rect.Min.Y - t; y <= rect.Max.Y+t; y++ {
			set(rect.Min.X-t, y)
			set(rect.Max.X+t, y)
		}
	}
}
