// Package geometry converts crop and split rectangles between the display
// surface a user draws on and the full-resolution source image.
//
// Every crop or split goes through ToSource before it touches pixels, so the
// display-to-source scaling lives in exactly one place.
package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidGeometry is returned for zero-area, out-of-bounds or overlapping rectangles.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Size is a width/height pair in pixels.
type Size struct {
	W int `json:"width"`
	H int `json:"height"`
}

// Empty reports whether either dimension is not positive.
func (s Size) Empty() bool { return s.W <= 0 || s.H <= 0 }

// SizeOf returns the size of an image.Rectangle.
func SizeOf(r image.Rectangle) Size { return Size{W: r.Dx(), H: r.Dy()} }

// Rect is a rectangle in source-pixel units.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"width"`
	H int `json:"height"`
}

// Image returns r as an image.Rectangle.
func (r Rect) Image() image.Rectangle { return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H) }

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// DisplayRect is a rectangle measured on the (possibly scaled) display surface.
type DisplayRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// Axis names the gutter direction of a two-rectangle split.
type Axis string

const (
	Vertical   Axis = "vertical"
	Horizontal Axis = "horizontal"
)

// ToSource maps a display rectangle onto source pixels using the
// sourceDimension/displayDimension ratio on each axis, then clamps the result
// to [0, sourceDimension]. A display size of zero means the rectangle is
// already in source space.
func ToSource(r DisplayRect, display, source Size) (Rect, error) {
	if source.Empty() {
		return Rect{}, fmt.Errorf("%w: empty source size %dx%d", ErrInvalidGeometry, source.W, source.H)
	}
	if display.W == 0 && display.H == 0 {
		display = source
	}
	if display.Empty() {
		return Rect{}, fmt.Errorf("%w: empty display size %dx%d", ErrInvalidGeometry, display.W, display.H)
	}
	if r.W <= 0 || r.H <= 0 || isBad(r.X) || isBad(r.Y) || isBad(r.W) || isBad(r.H) {
		return Rect{}, fmt.Errorf("%w: non-positive display rectangle", ErrInvalidGeometry)
	}

	sx := float64(source.W) / float64(display.W)
	sy := float64(source.H) / float64(display.H)

	x0 := clamp(int(math.Round(r.X*sx)), 0, source.W)
	y0 := clamp(int(math.Round(r.Y*sy)), 0, source.H)
	x1 := clamp(int(math.Round((r.X+r.W)*sx)), 0, source.W)
	y1 := clamp(int(math.Round((r.Y+r.H)*sy)), 0, source.H)

	out := Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
	if out.Empty() {
		return Rect{}, fmt.Errorf("%w: rectangle lies outside the %dx%d source", ErrInvalidGeometry, source.W, source.H)
	}
	return out, nil
}

// ToDisplay is the inverse of ToSource, without clamping.
func ToDisplay(r Rect, display, source Size) DisplayRect {
	if display.W == 0 && display.H == 0 {
		display = source
	}
	sx := float64(display.W) / float64(source.W)
	sy := float64(display.H) / float64(source.H)
	return DisplayRect{
		X: float64(r.X) * sx,
		Y: float64(r.Y) * sy,
		W: float64(r.W) * sx,
		H: float64(r.H) * sy,
	}
}

// FromRect converts a source rectangle into an identity display rectangle.
func FromRect(r Rect) DisplayRect {
	return DisplayRect{X: float64(r.X), Y: float64(r.Y), W: float64(r.W), H: float64(r.H)}
}

// ValidateSplit checks two source rectangles for a page split and returns
// them in reading order: left-to-right when their horizontal ranges are
// disjoint (vertical gutter), otherwise top-to-bottom.
func ValidateSplit(a, b Rect, bounds Size) (Rect, Rect, Axis, error) {
	for _, r := range []Rect{a, b} {
		if r.Empty() {
			return Rect{}, Rect{}, "", fmt.Errorf("%w: zero-area split rectangle", ErrInvalidGeometry)
		}
		if !r.Image().In(image.Rect(0, 0, bounds.W, bounds.H)) {
			return Rect{}, Rect{}, "", fmt.Errorf("%w: split rectangle %v outside %dx%d", ErrInvalidGeometry, r.Image(), bounds.W, bounds.H)
		}
	}
	if a.Image().Overlaps(b.Image()) {
		return Rect{}, Rect{}, "", fmt.Errorf("%w: split rectangles overlap", ErrInvalidGeometry)
	}

	axis := Horizontal
	if a.X+a.W <= b.X || b.X+b.W <= a.X {
		axis = Vertical
	}
	switch axis {
	case Vertical:
		if b.X < a.X {
			a, b = b, a
		}
	default:
		if b.Y < a.Y {
			a, b = b, a
		}
	}
	return a, b, axis, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func isBad(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
