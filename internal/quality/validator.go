// Package quality gates candidate page images before they join an answer
// copy: corruption, resolution, focus and near-duplicate checks.
//
// Only corruption and a resolution below the absolute floor reject an image.
// Everything else is a warning carried as flags on the result.
package quality

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examscan/internal/dedupe"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/model"
)

var (
	// ErrCorrupted is returned when the bytes do not decode to an image.
	ErrCorrupted = errors.New("corrupted image")
	// ErrBelowFloor is returned for images under the absolute resolution floor.
	ErrBelowFloor = errors.New("resolution below minimum")
)

// Rejection reasons reported in ValidationResult.Reason.
const (
	ReasonCorrupted     = "image could not be decoded"
	ReasonLowResolution = "resolution below minimum"
)

// Thresholds configures the validator. Resolution limits are expressed as
// short side × long side so portrait and landscape shots are treated alike.
type Thresholds struct {
	FloorShort        int
	FloorLong         int
	RecommendedShort  int
	RecommendedLong   int
	BlurThreshold     float64
	DuplicateDistance int
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FloorShort:        300,
		FloorLong:         400,
		RecommendedShort:  600,
		RecommendedLong:   800,
		BlurThreshold:     100,
		DuplicateDistance: 5,
	}
}

// Analysis holds everything derived from one decode of a candidate image.
type Analysis struct {
	Width       int
	Height      int
	Format      string
	Orientation int
	FocusScore  float64
	Fingerprint uint64
	Image       image.Image
}

// Analyze decodes data and computes its focus score and fingerprint. It is
// pure and safe to call concurrently.
func Analyze(data []byte) (*Analysis, error) {
	img, format, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	a := AnalyzeImage(img, format)
	a.Orientation = imaging.Orientation(data)
	return a, nil
}

// AnalyzeImage measures an already decoded image, such as an edited page
// or one half of a split.
func AnalyzeImage(img image.Image, format string) *Analysis {
	b := img.Bounds()
	return &Analysis{
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      format,
		Orientation: 1,
		FocusScore:  FocusScore(img),
		Fingerprint: Fingerprint(img),
		Image:       img,
	}
}

// Validator applies Thresholds to analyses.
type Validator struct {
	t Thresholds
}

// New returns a Validator; zero fields in t fall back to the defaults.
func New(t Thresholds) *Validator {
	d := DefaultThresholds()
	if t.FloorShort <= 0 {
		t.FloorShort = d.FloorShort
	}
	if t.FloorLong <= 0 {
		t.FloorLong = d.FloorLong
	}
	if t.RecommendedShort <= 0 {
		t.RecommendedShort = d.RecommendedShort
	}
	if t.RecommendedLong <= 0 {
		t.RecommendedLong = d.RecommendedLong
	}
	if t.BlurThreshold <= 0 {
		t.BlurThreshold = d.BlurThreshold
	}
	if t.DuplicateDistance < 0 {
		t.DuplicateDistance = d.DuplicateDistance
	}
	return &Validator{t: t}
}

// Thresholds returns the effective limits.
func (v *Validator) Thresholds() Thresholds { return v.t }

// Evaluate turns an analysis into a verdict, comparing its fingerprint with
// the known entries of the current session.
func (v *Validator) Evaluate(a *Analysis, known []dedupe.Entry) model.ValidationResult {
	res := model.ValidationResult{
		Accepted:    true,
		Width:       a.Width,
		Height:      a.Height,
		FocusScore:  a.FocusScore,
		Fingerprint: a.Fingerprint,
	}

	short, long := min(a.Width, a.Height), max(a.Width, a.Height)
	switch {
	case short < v.t.FloorShort || long < v.t.FloorLong:
		res.Accepted = false
		res.Flags = res.Flags.With(model.FlagLowResolution)
		res.Reason = ReasonLowResolution
		return res
	case short < v.t.RecommendedShort || long < v.t.RecommendedLong:
		res.Flags = res.Flags.With(model.FlagLowResolution)
	}

	if a.FocusScore < v.t.BlurThreshold {
		res.Flags = res.Flags.With(model.FlagBlurry)
	}

	if e, d, ok := dedupe.Nearest(known, a.Fingerprint); ok && d <= v.t.DuplicateDistance {
		res.Flags = res.Flags.With(model.FlagDuplicate)
		res.DuplicateOf = e.Path
		res.Distance = d
	}
	return res
}

// Validate is Analyze followed by Evaluate. Undecodable input yields a
// rejected result flagged CORRUPTED and a nil analysis.
func (v *Validator) Validate(data []byte, known []dedupe.Entry) (model.ValidationResult, *Analysis) {
	a, err := Analyze(data)
	if err != nil {
		return CorruptedResult(), nil
	}
	return v.Evaluate(a, known), a
}

// CorruptedResult is the verdict for bytes that do not decode.
func CorruptedResult() model.ValidationResult {
	return model.ValidationResult{
		Accepted: false,
		Flags:    model.Flags{model.FlagCorrupted},
		Reason:   ReasonCorrupted,
	}
}

// FileResult is the outcome of analysing one file in a batch.
type FileResult struct {
	Path     string
	Analysis *Analysis
	Err      error
}

// AnalyzeFiles analyses paths in parallel with at most workers goroutines
// (GOMAXPROCS when workers <= 0). Per-file failures are reported in the
// results; only context cancellation fails the batch. Results keep the
// order of paths.
func AnalyzeFiles(ctx context.Context, paths []string, workers int) ([]FileResult, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]FileResult, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i].Path = p
			data, err := os.ReadFile(p)
			if err != nil {
				results[i].Err = fmt.Errorf("read %s: %w", p, err)
				return nil
			}
			results[i].Analysis, results[i].Err = Analyze(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
