package autoproc

import (
	"image"

	"github.com/pavelanni/examscan/internal/geometry"
	"github.com/pavelanni/examscan/internal/imaging"
)

// Border and cut-edge tuning.
const (
	paperPercentile  = 0.90 // luminance percentile taken as the paper colour
	minPaperLevel    = 128  // darker "paper" means no sheet was found
	backgroundRatio  = 0.10 // a line with less paper than this is background
	borderMargin     = 10   // pixels kept around a detected sheet
	borderDetected   = 0.30 // sheet area share needed to report borders
	autoCropScore    = 0.50 // sheet area share needed to crop automatically

	cutStripRatio = 0.01 // outer strip checked for ink, share of the short side
	cutInkRatio   = 0.02 // ink share in the strip that marks a side as cut
)

// Sides of a page, as reported by CutEdges.
const (
	SideTop    = "top"
	SideBottom = "bottom"
	SideLeft   = "left"
	SideRight  = "right"
)

// Borders describes a sheet of paper found against a darker background.
// Sheet is the paper itself; Crop adds a small margin around it.
type Borders struct {
	Detected   bool          `json:"detected"`
	Sheet      geometry.Rect `json:"sheet"`
	Crop       geometry.Rect `json:"crop"`
	Confidence float64       `json:"confidence"`
}

// Trims reports whether cropping to b.Crop would remove anything from an
// image of the given size.
func (b Borders) Trims(size geometry.Size) bool {
	return !b.Crop.Empty() && (b.Crop.W < size.W || b.Crop.H < size.H)
}

// AutoCrop reports whether the sheet is certain enough to crop to without
// asking the operator.
func (b Borders) AutoCrop(size geometry.Size) bool {
	return b.Detected && b.Confidence > autoCropScore && b.Trims(size)
}

// DetectBorders finds the bounding box of the sheet by peeling background
// lines off each side. Confidence is the sheet's share of the image area.
func DetectBorders(img image.Image) Borders {
	g := imaging.Luminance(img)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return Borders{}
	}
	level := percentileLevel(g, paperPercentile)
	if level < minPaperLevel {
		return Borders{}
	}
	paper := func(v uint8) bool { return int(v) >= int(level)-inkDelta }

	rowPaper := func(y, x0, x1 int) bool {
		n := 0
		for _, v := range g.Pix[y*g.Stride+x0 : y*g.Stride+x1] {
			if paper(v) {
				n++
			}
		}
		return float64(n) >= float64(x1-x0)*backgroundRatio
	}
	colPaper := func(x, y0, y1 int) bool {
		n := 0
		for y := y0; y < y1; y++ {
			if paper(g.Pix[y*g.Stride+x]) {
				n++
			}
		}
		return float64(n) >= float64(y1-y0)*backgroundRatio
	}

	top, bottom := 0, h
	for top < bottom && !rowPaper(top, 0, w) {
		top++
	}
	for bottom > top && !rowPaper(bottom-1, 0, w) {
		bottom--
	}
	if top == bottom {
		return Borders{}
	}
	left, right := 0, w
	for left < right && !colPaper(left, top, bottom) {
		left++
	}
	for right > left && !colPaper(right-1, top, bottom) {
		right--
	}
	if left == right {
		return Borders{}
	}

	sheet := geometry.Rect{X: left, Y: top, W: right - left, H: bottom - top}
	cx, cy := max(0, left-borderMargin), max(0, top-borderMargin)
	crop := geometry.Rect{
		X: cx,
		Y: cy,
		W: min(w, right+borderMargin) - cx,
		H: min(h, bottom+borderMargin) - cy,
	}
	conf := float64(sheet.W*sheet.H) / float64(w*h)
	return Borders{
		Detected:   conf > borderDetected,
		Sheet:      sheet,
		Crop:       crop,
		Confidence: conf,
	}
}

// CutEdges lists the sides of r where writing runs into the edge of the
// image, which usually means the page was photographed partly out of frame.
func CutEdges(img image.Image, r geometry.Rect) []string {
	if r.Empty() {
		return nil
	}
	g := imaging.Luminance(imaging.Crop(img, r.Image()))
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	bg := medianLevel(g)
	strip := max(2, int(float64(min(w, h))*cutStripRatio))
	strip = min(strip, w, h)

	inkShare := func(x0, y0, x1, y1 int) float64 {
		n := 0
		for y := y0; y < y1; y++ {
			for _, v := range g.Pix[y*g.Stride+x0 : y*g.Stride+x1] {
				if absDiff(v, bg) > inkDelta {
					n++
				}
			}
		}
		return float64(n) / float64((x1-x0)*(y1-y0))
	}

	var cut []string
	sides := []struct {
		name           string
		x0, y0, x1, y1 int
	}{
		{SideTop, 0, 0, w, strip},
		{SideBottom, 0, h - strip, w, h},
		{SideLeft, 0, 0, strip, h},
		{SideRight, w - strip, 0, w, h},
	}
	for _, s := range sides {
		if inkShare(s.x0, s.y0, s.x1, s.y1) >= cutInkRatio {
			cut = append(cut, s.name)
		}
	}
	return cut
}

// percentileLevel returns the luminance below which share p of pixels fall.
func percentileLevel(g *image.Gray, p float64) uint8 {
	var hist [256]int
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	for y := 0; y < h; y++ {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+w] {
			hist[v]++
		}
	}
	want := int(float64(w*h) * p)
	acc := 0
	for level, c := range hist {
		acc += c
		if acc > want {
			return uint8(level)
		}
	}
	return 255
}
