package autoproc

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/pavelanni/examscan/internal/geometry"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/model"
)

// ErrInvalidEdit is returned for an empty edit set or out-of-range factors.
var ErrInvalidEdit = errors.New("invalid edit")

// Tone factors are accepted in (0, MaxToneFactor].
const MaxToneFactor = 4.0

// Edits is an operator-issued set of changes to one page. Crop is measured
// on the display surface described by Display; a zero Display means the
// crop is already in source pixels.
type Edits struct {
	Rotate     *float64              `json:"rotate,omitempty"`
	Brightness *float64              `json:"brightness,omitempty"`
	Contrast   *float64              `json:"contrast,omitempty"`
	Crop       *geometry.DisplayRect `json:"crop,omitempty"`
	Display    geometry.Size         `json:"display"`
}

// Empty reports whether e changes nothing.
func (e Edits) Empty() bool {
	return e.Rotate == nil && e.Brightness == nil && e.Contrast == nil && e.Crop == nil
}

func (e Edits) rotates() bool {
	return e.Rotate != nil && imaging.NormalizeDegrees(*e.Rotate) != 0
}

// Validate checks e without touching pixels. Crop bounds are checked by Apply
// once the source size is known.
func (e Edits) Validate() error {
	if e.Empty() {
		return fmt.Errorf("%w: no edits given", ErrInvalidEdit)
	}
	if e.Rotate != nil && (math.IsNaN(*e.Rotate) || math.IsInf(*e.Rotate, 0)) {
		return fmt.Errorf("%w: rotation must be finite", ErrInvalidEdit)
	}
	tones := []struct {
		name string
		f    *float64
	}{{"brightness", e.Brightness}, {"contrast", e.Contrast}}
	for _, tone := range tones {
		if f := tone.f; f != nil && (math.IsNaN(*f) || *f <= 0 || *f > MaxToneFactor) {
			return fmt.Errorf("%w: %s factor %v outside (0, %v]", ErrInvalidEdit, tone.name, *f, MaxToneFactor)
		}
	}
	// The crop is drawn on the unrotated preview; the two cannot be combined
	// in one request.
	if e.rotates() && e.Crop != nil {
		return fmt.Errorf("%w: rotate and crop in one edit", geometry.ErrInvalidGeometry)
	}
	return nil
}

// Apply runs e against img in the order rotate, brightness, contrast, crop.
func Apply(img image.Image, e Edits) (*image.RGBA, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var crop geometry.Rect
	if e.Crop != nil {
		r, err := geometry.ToSource(*e.Crop, e.Display, geometry.SizeOf(img.Bounds()))
		if err != nil {
			return nil, fmt.Errorf("crop: %w", err)
		}
		crop = r
	}

	out := imaging.ToRGBA(img)
	if e.rotates() {
		out = imaging.Rotate(out, *e.Rotate)
	}
	if e.Brightness != nil {
		out = imaging.AdjustBrightness(out, *e.Brightness)
	}
	if e.Contrast != nil {
		out = imaging.AdjustContrast(out, *e.Contrast)
	}
	if e.Crop != nil {
		out = imaging.Crop(out, crop.Image())
	}
	return out, nil
}

// Split cuts img into the two source rectangles a and b.
func Split(img image.Image, a, b geometry.Rect) (*image.RGBA, *image.RGBA) {
	return imaging.Crop(img, a.Image()), imaging.Crop(img, b.Image())
}

// Report is the read-only outcome of an auto-check.
type Report struct {
	Orientation int              `json:"orientation"`
	Size        geometry.Size    `json:"size"`
	Spread      model.SpreadInfo `json:"spread"`
	Borders     Borders          `json:"borders"`
	CutSides    []string         `json:"cut_sides,omitempty"`

	// Upright is the image with its EXIF orientation applied.
	Upright *image.RGBA `json:"-"`
}

// Reoriented reports whether the EXIF orientation changed the pixels.
func (r *Report) Reoriented() bool { return r.Orientation > 1 }

// Cropped returns the sheet crop to apply automatically, if any.
func (r *Report) Cropped() (geometry.Rect, bool) {
	if !r.Borders.AutoCrop(r.Size) {
		return geometry.Rect{}, false
	}
	return r.Borders.Crop, true
}

// Check decodes an encoded page, normalises its EXIF orientation, looks for
// a two-page spread and the sheet borders, and lists cut edges. It never
// modifies anything.
func Check(data []byte) (*Report, error) {
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	o := imaging.Orientation(data)
	up := imaging.ApplyOrientation(img, o)
	size := geometry.SizeOf(up.Bounds())

	b := DetectBorders(up)
	region := geometry.Rect{W: size.W, H: size.H}
	if b.Detected {
		region = b.Sheet
	}
	return &Report{
		Orientation: o,
		Size:        size,
		Spread:      DetectSpread(up),
		Borders:     b,
		CutSides:    CutEdges(up, region),
		Upright:     up,
	}, nil
}
