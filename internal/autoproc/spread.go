// Package autoproc detects two-page spreads, computes split geometry and
// applies operator edits to page images.
package autoproc

import (
	"image"
	"math"

	"github.com/pavelanni/examscan/internal/geometry"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/model"
)

// Spread detection tuning.
const (
	inkDelta     = 48   // luminance distance from background that counts as ink
	emptyRatio   = 0.01 // a line with at most this share of ink pixels is empty
	bandLow      = 0.30 // the gutter must lie inside the central band
	bandHigh     = 0.70
	minGapRatio  = 0.02
	minGapPixels = 2

	// a gutter is only looked for across the long side: w/h (or h/w)
	// must reach 6/5
	aspectNum, aspectDen = 6, 5
)

// DetectSpread looks for an empty gutter splitting img into two inked
// halves. Wide images are scanned for a vertical gutter (left/right pages),
// tall ones for a horizontal gutter; near-square images are never spreads.
func DetectSpread(img image.Image) model.SpreadInfo {
	g := imaging.Luminance(img)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return model.SpreadInfo{}
	}

	bg := medianLevel(g)
	cols := make([]int, w)
	rows := make([]int, h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			if absDiff(v, bg) > inkDelta {
				cols[x]++
				rows[y]++
			}
		}
	}

	switch {
	case w*aspectDen >= h*aspectNum:
		if gut, ok := findGutter(cols, h); ok {
			return gut.info(model.AxisVertical)
		}
	case h*aspectDen >= w*aspectNum:
		if gut, ok := findGutter(rows, w); ok {
			return gut.info(model.AxisHorizontal)
		}
	}
	return model.SpreadInfo{}
}

type gutter struct {
	start, length int
	confidence    float64
}

func (g gutter) info(axis model.Axis) model.SpreadInfo {
	return model.SpreadInfo{
		IsSpread:    true,
		Axis:        axis,
		SplitOffset: g.start + g.length/2,
		GapWidth:    g.length,
		Confidence:  g.confidence,
	}
}

// findGutter scans the ink profile of one axis. span is the length of each
// line (the other dimension).
func findGutter(profile []int, span int) (gutter, bool) {
	n := len(profile)
	limit := int(math.Floor(float64(span) * emptyRatio))
	empty := func(i int) bool { return profile[i] <= limit }

	lo := int(math.Floor(float64(n) * bandLow))
	hi := int(math.Ceil(float64(n) * bandHigh))
	minLen := max(minGapPixels, int(math.Ceil(float64(n)*minGapRatio)))

	best := gutter{}
	for i := lo; i < hi; {
		if !empty(i) {
			i++
			continue
		}
		j := i
		for j < hi && empty(j) {
			j++
		}
		if j-i > best.length {
			best = gutter{start: i, length: j - i}
		}
		i = j
	}
	if best.length < minLen {
		return gutter{}, false
	}
	if !hasInk(profile[:best.start], limit) || !hasInk(profile[best.start+best.length:], limit) {
		return gutter{}, false
	}
	best.confidence = min(1, float64(best.length)/float64(hi-lo))
	return best, true
}

func hasInk(profile []int, limit int) bool {
	for _, c := range profile {
		if c > limit {
			return true
		}
	}
	return false
}

// medianLevel returns the median luminance, taken as the paper colour.
func medianLevel(g *image.Gray) uint8 {
	var hist [256]int
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	for y := 0; y < h; y++ {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+w] {
			hist[v]++
		}
	}
	half := (w*h + 1) / 2
	acc := 0
	for level, c := range hist {
		acc += c
		if acc >= half {
			return uint8(level)
		}
	}
	return 255
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// SplitRects returns the two source rectangles of a detected spread, in
// reading order.
func SplitRects(info model.SpreadInfo, size geometry.Size) (geometry.Rect, geometry.Rect, error) {
	var a, b geometry.DisplayRect
	off := float64(info.SplitOffset)
	switch info.Axis {
	case model.AxisVertical:
		a = geometry.DisplayRect{X: 0, Y: 0, W: off, H: float64(size.H)}
		b = geometry.DisplayRect{X: off, Y: 0, W: float64(size.W) - off, H: float64(size.H)}
	default:
		a = geometry.DisplayRect{X: 0, Y: 0, W: float64(size.W), H: off}
		b = geometry.DisplayRect{X: 0, Y: off, W: float64(size.W), H: float64(size.H) - off}
	}
	return SourceSplit([2]geometry.DisplayRect{a, b}, geometry.Size{}, size)
}

// SourceSplit converts two display rectangles to source space and validates
// them as a split of an image of the given size.
func SourceSplit(rects [2]geometry.DisplayRect, display, source geometry.Size) (geometry.Rect, geometry.Rect, error) {
	a, err := geometry.ToSource(rects[0], display, source)
	if err != nil {
		return geometry.Rect{}, geometry.Rect{}, err
	}
	b, err := geometry.ToSource(rects[1], display, source)
	if err != nil {
		return geometry.Rect{}, geometry.Rect{}, err
	}
	first, second, _, err := geometry.ValidateSplit(a, b, source)
	return first, second, err
}
