package session

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"slices"

	"github.com/google/uuid"

	"github.com/pavelanni/examscan/internal/autoproc"
	"github.com/pavelanni/examscan/internal/dedupe"
	"github.com/pavelanni/examscan/internal/geometry"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/metrics"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/quality"
)

// CheckResult is the outcome of AutoCheck. Pages holds the page after the
// check, or both halves when it was split.
type CheckResult struct {
	Pages   []model.Page     `json:"pages"`
	Report  *autoproc.Report `json:"report"`
	Changed bool             `json:"changed"`
}

// AutoCheck normalises EXIF orientation, crops to the sheet when its
// borders are certain and looks for a two-page spread. Only RAW pages are
// changed; calling it again returns the stored result.
func (m *Manager) AutoCheck(ctx context.Context, seq int) (*CheckResult, error) {
	id, err := m.pageID(seq)
	if err != nil {
		metrics.IncEdit("autocheck", err)
		return nil, err
	}
	return m.autoCheck(ctx, id)
}

func (m *Manager) autoCheck(ctx context.Context, pageID string) (res *CheckResult, err error) {
	defer func() { metrics.IncEdit("autocheck", err) }()

	page, sessionID, err := m.acquireID(pageID)
	if err != nil {
		return nil, err
	}
	defer m.release(page.ID)

	data, err := os.ReadFile(page.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	report, err := autoproc.Check(data)
	if err != nil {
		return nil, fmt.Errorf("check page %d: %w", page.Sequence, err)
	}
	if page.Processing != model.ProcessingRaw {
		return &CheckResult{Pages: []model.Page{page}, Report: report}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := imaging.FormatOf(page.SourcePath)
	if m.opts.AutoSplit && report.Spread.IsSpread {
		a, b, err := autoproc.SplitRects(report.Spread, report.Size)
		if err == nil {
			pages, err := m.split(ctx, sessionID, page, report.Upright, format, a, b)
			if err != nil {
				return nil, err
			}
			return &CheckResult{Pages: pages, Report: report, Changed: true}, nil
		}
		slog.Warn("auto split skipped", "session_id", sessionID, "seq", page.Sequence, "error", err)
	}

	updated := page
	updated.Processing = model.ProcessingAutoChecked
	if report.Spread.IsSpread {
		s := report.Spread
		updated.Spread = &s
	}

	var img image.Image
	if report.Reoriented() {
		img = report.Upright
	}
	crop, cropped := report.Cropped()
	if cropped {
		img = imaging.Crop(report.Upright, crop.Image())
		// the gutter offset was measured before the crop
		updated.Spread = nil
	}

	var (
		written string
		a       *quality.Analysis
	)
	if img != nil {
		a = quality.AnalyzeImage(img, format)
		written = m.newPagePath(sessionID, format)
		if err := imaging.WriteFileAtomic(written, img, format); err != nil {
			return nil, fmt.Errorf("write auto-processed page: %w", err)
		}
		updated.SourcePath = written
		updated.Width, updated.Height = a.Width, a.Height
		updated.Fingerprint = a.Fingerprint
		updated.FocusScore = a.FocusScore
		updated.Processing = model.ProcessingAutoProcessed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a != nil {
		v := m.validator.Evaluate(a, without(m.index.Entries(sessionID), page.SourcePath))
		if !v.Accepted {
			removeFile(written)
			return nil, &RejectedError{Result: v}
		}
		updated.Flags = v.Flags
	}
	if err := m.replace(sessionID, page, []model.Page{updated}); err != nil {
		if written != "" {
			removeFile(written)
		}
		return nil, err
	}
	slog.Info("page auto-checked", "session_id", sessionID, "seq", updated.Sequence,
		"orientation", report.Orientation, "cropped", cropped,
		"spread", report.Spread.IsSpread, "cut_sides", report.CutSides)
	return &CheckResult{Pages: []model.Page{updated}, Report: report, Changed: true}, nil
}

// ApplyEdits applies operator edits to the page at seq. The edited image is
// re-validated; a rejected result leaves the page as it was.
func (m *Manager) ApplyEdits(ctx context.Context, seq int, e autoproc.Edits) (p model.Page, err error) {
	defer func() { metrics.IncEdit("edit", err) }()

	if err := e.Validate(); err != nil {
		return model.Page{}, err
	}
	page, sessionID, err := m.acquire(seq)
	if err != nil {
		return model.Page{}, err
	}
	defer m.release(page.ID)

	img, format, err := loadUpright(page.SourcePath)
	if err != nil {
		return model.Page{}, err
	}
	out, err := autoproc.Apply(img, e)
	if err != nil {
		return model.Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Page{}, err
	}
	a := quality.AnalyzeImage(out, format)

	path := m.newPagePath(sessionID, format)
	if err := imaging.WriteFileAtomic(path, out, format); err != nil {
		return model.Page{}, fmt.Errorf("write edited page: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.validator.Evaluate(a, without(m.index.Entries(sessionID), page.SourcePath))
	if !res.Accepted {
		removeFile(path)
		return model.Page{}, &RejectedError{Result: res}
	}

	updated := page
	updated.SourcePath = path
	updated.Width, updated.Height = a.Width, a.Height
	updated.Fingerprint = a.Fingerprint
	updated.FocusScore = a.FocusScore
	updated.Flags = res.Flags
	updated.Processing = model.ProcessingEdited
	updated.Spread = nil
	if err := m.replace(sessionID, page, []model.Page{updated}); err != nil {
		removeFile(path)
		return model.Page{}, err
	}
	slog.Info("page edited", "session_id", sessionID, "seq", seq, "width", a.Width, "height", a.Height)
	return updated, nil
}

// Split replaces the page at seq with the two regions picked by the
// operator, given in display coordinates.
func (m *Manager) Split(ctx context.Context, seq int, rects [2]geometry.DisplayRect, display geometry.Size) (pages []model.Page, err error) {
	defer func() { metrics.IncEdit("split", err) }()

	page, sessionID, err := m.acquire(seq)
	if err != nil {
		return nil, err
	}
	defer m.release(page.ID)

	img, format, err := loadUpright(page.SourcePath)
	if err != nil {
		return nil, err
	}
	a, b, err := autoproc.SourceSplit(rects, display, geometry.SizeOf(img.Bounds()))
	if err != nil {
		return nil, err
	}
	return m.split(ctx, sessionID, page, img, format, a, b)
}

// AutoSplit splits the page at seq along its detected gutter.
func (m *Manager) AutoSplit(ctx context.Context, seq int) (pages []model.Page, err error) {
	defer func() { metrics.IncEdit("autosplit", err) }()

	page, sessionID, err := m.acquire(seq)
	if err != nil {
		return nil, err
	}
	defer m.release(page.ID)

	img, format, err := loadUpright(page.SourcePath)
	if err != nil {
		return nil, err
	}
	info := autoproc.DetectSpread(img)
	if !info.IsSpread {
		return nil, ErrNoSpread
	}
	a, b, err := autoproc.SplitRects(info, geometry.SizeOf(img.Bounds()))
	if err != nil {
		return nil, err
	}
	return m.split(ctx, sessionID, page, img, format, a, b)
}

// split writes both halves, validates them and puts them in the slot of
// page. The caller holds the busy mark for page.
func (m *Manager) split(ctx context.Context, sessionID string, page model.Page, img image.Image, format string, a, b geometry.Rect) ([]model.Page, error) {
	first, second := autoproc.Split(img, a, b)

	var written []string
	cleanup := func() {
		for _, p := range written {
			removeFile(p)
		}
	}

	halves := make([]model.Page, 0, 2)
	analyses := make([]*quality.Analysis, 0, 2)
	for i, half := range []*image.RGBA{first, second} {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}
		an := quality.AnalyzeImage(half, format)
		path := m.newPagePath(sessionID, format)
		if err := imaging.WriteFileAtomic(path, half, format); err != nil {
			cleanup()
			return nil, fmt.Errorf("write split page: %w", err)
		}
		written = append(written, path)
		analyses = append(analyses, an)
		halves = append(halves, model.Page{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			SourcePath:   path,
			OriginalName: fmt.Sprintf("%s [%d/2]", page.OriginalName, i+1),
			OriginPath:   page.OriginPath,
			Origin:       model.OriginSplit,
			Fingerprint:  an.Fingerprint,
			Width:        an.Width,
			Height:       an.Height,
			FocusScore:   an.FocusScore,
			Processing:   model.ProcessingSplit,
			CreatedAt:    m.now().UTC(),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	known := without(m.index.Entries(sessionID), page.SourcePath)
	for i := range halves {
		res := m.validator.Evaluate(analyses[i], known)
		if !res.Accepted {
			cleanup()
			return nil, &RejectedError{Result: res}
		}
		halves[i].Flags = res.Flags
		known = append(known, entryOf(halves[i]))
	}
	if err := m.replace(sessionID, page, halves); err != nil {
		cleanup()
		return nil, err
	}
	i := slices.IndexFunc(m.current.Pages, func(p model.Page) bool { return p.ID == halves[0].ID })
	slog.Info("page split", "session_id", sessionID, "seq", i+1, "pages", len(m.current.Pages))
	return slices.Clone(m.current.Pages[i : i+2]), nil
}

// replace swaps old for repl in the page list, persists, and updates the
// duplicate index. The caller holds m.mu.
func (m *Manager) replace(sessionID string, old model.Page, repl []model.Page) error {
	if m.current == nil || m.current.ID != sessionID {
		return ErrNoActiveSession
	}
	i := slices.IndexFunc(m.current.Pages, func(p model.Page) bool { return p.ID == old.ID })
	if i < 0 {
		return ErrNotFound
	}

	if len(repl) == 1 && repl[0].ID == old.ID {
		repl[0].Sequence = i + 1
		if err := m.store.UpdatePage(repl[0]); err != nil {
			return fmt.Errorf("persist page: %w", err)
		}
		m.current.Pages[i] = repl[0]
	} else {
		pages := slices.Concat(m.current.Pages[:i], repl, m.current.Pages[i+1:])
		renumber(pages)
		if err := m.store.ReplacePages(sessionID, pages); err != nil {
			return fmt.Errorf("persist pages: %w", err)
		}
		m.current.Pages = pages
	}

	m.index.Remove(sessionID, old.SourcePath)
	kept := false
	for _, p := range repl {
		m.index.Add(sessionID, entryOf(p))
		kept = kept || p.SourcePath == old.SourcePath
	}
	if !kept {
		removeFile(old.SourcePath)
	}
	metrics.SetActivePages(len(m.current.Pages))
	return nil
}

// acquire marks the page at seq busy.
func (m *Manager) acquire(seq int) (model.Page, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return model.Page{}, "", ErrNoActiveSession
	}
	p, err := m.pageAt(seq)
	if err != nil {
		return model.Page{}, "", err
	}
	return m.mark(p)
}

// acquireID marks the page with the given id busy, wherever it sits now.
func (m *Manager) acquireID(id string) (model.Page, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return model.Page{}, "", ErrNoActiveSession
	}
	i := slices.IndexFunc(m.current.Pages, func(p model.Page) bool { return p.ID == id })
	if i < 0 {
		return model.Page{}, "", ErrNotFound
	}
	return m.mark(m.current.Pages[i])
}

// mark requires m.mu.
func (m *Manager) mark(p model.Page) (model.Page, string, error) {
	if m.busy[p.ID] {
		return model.Page{}, "", ErrPageBusy
	}
	m.busy[p.ID] = true
	return p, m.current.ID, nil
}

func (m *Manager) pageID(seq int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", ErrNoActiveSession
	}
	p, err := m.pageAt(seq)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (m *Manager) release(pageID string) {
	m.mu.Lock()
	delete(m.busy, pageID)
	m.mu.Unlock()
}

// loadUpright decodes a stored page with its EXIF orientation applied, so
// coordinates match what a browser displays.
func loadUpright(path string) (image.Image, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read page: %w", err)
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, "", err
	}
	if o := imaging.Orientation(data); o > 1 {
		img = imaging.ApplyOrientation(img, o)
	}
	return img, imaging.FormatOf(path), nil
}

func without(entries []dedupe.Entry, path string) []dedupe.Entry {
	return slices.DeleteFunc(entries, func(e dedupe.Entry) bool { return e.Path == path })
}
