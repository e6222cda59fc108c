// Package matcher locates a reference template image inside a screen
// capture. Matching is zero-mean normalized cross-correlation on grayscale
// pixels, so anti-aliasing and small brightness shifts between the saved
// template and the live screen do not break the match the way exact pixel
// equality would. Scores map to a confidence in [0,1]; results are
// deterministic for identical inputs.
package matcher

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
)

// Match is the best template position found in a search image.
type Match struct {
	// Center of the matched box, in the search image's coordinate space.
	Center image.Point
	// Box is the matched template bounds.
	Box image.Rectangle
	// Confidence in [0,1]; 1 is a pixel-perfect match.
	Confidence float64
}

// LoadTemplate reads a PNG template from disk.
func LoadTemplate(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image template not found: %s: %w", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", path, err)
	}
	return img, nil
}

// Find scans the whole image for the template.
func Find(img image.Image, tpl image.Image) Match {
	return FindInRegion(img, tpl, img.Bounds())
}

// FindInRegion scans only the given sub-rectangle of img. The region is
// clipped to the image bounds; a region smaller than the template yields a
// zero-confidence match.
func FindInRegion(img image.Image, tpl image.Image, region image.Rectangle) Match {
	region = region.Intersect(img.Bounds())
	tb := tpl.Bounds()
	tw, th := tb.Dx(), tb.Dy()
	if tw == 0 || th == 0 || region.Dx() < tw || region.Dy() < th {
		return Match{}
	}

	tplGray, tplMean := grayPlane(tpl, tb)
	tplDev := deviation(tplGray, tplMean)

	imgGray, _ := grayPlane(img, img.Bounds())
	imgW := img.Bounds().Dx()
	offX, offY := img.Bounds().Min.X, img.Bounds().Min.Y

	best := Match{Confidence: -1}
	for y := region.Min.Y; y <= region.Max.Y-th; y++ {
		for x := region.Min.X; x <= region.Max.X-tw; x++ {
			score := scoreAt(imgGray, imgW, x-offX, y-offY, tplGray, tw, th, tplMean, tplDev)
			if score > best.Confidence {
				best.Confidence = score
				best.Box = image.Rect(x, y, x+tw, y+th)
			}
		}
	}
	if best.Confidence < 0 {
		best.Confidence = 0
	}
	best.Center = image.Pt(best.Box.Min.X+tw/2, best.Box.Min.Y+th/2)
	return best
}

// grayPlane flattens an image into row-major luma values and their mean.
func grayPlane(img image.Image, b image.Rectangle) ([]float64, float64) {
	w, h := b.Dx(), b.Dy()
	out := make([]float64, w*h)
	var sum float64
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma on 16-bit channel values.
			v := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
			out[i] = v
			sum += v
			i++
		}
	}
	if len(out) == 0 {
		return out, 0
	}
	return out, sum / float64(len(out))
}

func deviation(vals []float64, mean float64) float64 {
	var sum float64
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum)
}

// scoreAt computes the zero-mean NCC between the template and the image
// window at (wx, wy), mapped from [-1,1] to [0,1] by clamping negatives: an
// anti-correlated window is as much a non-match as an uncorrelated one.
func scoreAt(img []float64, imgW, wx, wy int, tpl []float64, tw, th int, tplMean, tplDev float64) float64 {
	var winSum float64
	for y := 0; y < th; y++ {
		row := (wy+y)*imgW + wx
		for x := 0; x < tw; x++ {
			winSum += img[row+x]
		}
	}
	n := float64(tw * th)
	winMean := winSum / n

	var cross, winVar float64
	for y := 0; y < th; y++ {
		row := (wy+y)*imgW + wx
		trow := y * tw
		for x := 0; x < tw; x++ {
			dw := img[row+x] - winMean
			dt := tpl[trow+x] - tplMean
			cross += dw * dt
			winVar += dw * dw
		}
	}

	winDev := math.Sqrt(winVar)
	if tplDev == 0 || winDev == 0 {
		// Flat template or window: correlation is undefined. Treat two flat
		// patches with equal means as a perfect match, anything else as none.
		if tplDev == 0 && winDev == 0 && math.Abs(winMean-tplMean) < 1e-6 {
			return 1
		}
		return 0
	}
	score := cross / (tplDev * winDev)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
