package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/examscan/internal/autoproc"
	"github.com/pavelanni/examscan/internal/dedupe"
	"github.com/pavelanni/examscan/internal/geometry"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/quality"
	"github.com/pavelanni/examscan/internal/store"
)

type fakeEmitter struct {
	mu    sync.Mutex
	err   error
	dir   string
	calls [][]string

	// when set, Emit signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func (f *fakeEmitter) Emit(ctx context.Context, sessionID string, pages []string, meta model.ExamMetadata) (string, error) {
	if f.release != nil {
		close(f.started)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pages)
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, sessionID+".pdf")
	return path, os.WriteFile(path, []byte("%PDF-1.7"), 0o644)
}

type fixture struct {
	m     *Manager
	st    *store.Store
	index *dedupe.Index
	em    *fakeEmitter
	work  string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	f := &fixture{
		st:    st,
		index: dedupe.New(),
		em:    &fakeEmitter{dir: t.TempDir()},
		work:  opts.WorkDir,
	}
	f.m = NewManager(st, quality.New(quality.DefaultThresholds()), f.index, f.em, opts)
	return f
}

func (f *fixture) open(t *testing.T) *model.Session {
	t.Helper()
	sess, err := f.m.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sess
}

func (f *fixture) add(t *testing.T, data []byte) model.Page {
	t.Helper()
	res, err := f.m.AddPageBytes(context.Background(), "scan.png", data, model.OriginUpload)
	if err != nil {
		t.Fatalf("AddPageBytes: %v", err)
	}
	return res.Page
}

// blocks draws a w×h page of random black and white cells.
func blocks(seed uint64, w, h, cell int) *image.Gray {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for cy := 0; cy < h; cy += cell {
		for cx := 0; cx < w; cx += cell {
			v := uint8(0)
			if r.IntN(2) == 1 {
				v = 255
			}
			for y := cy; y < min(cy+cell, h); y++ {
				for x := cx; x < min(cx+cell, w); x++ {
					img.Pix[y*img.Stride+x] = v
				}
			}
		}
	}
	return img
}

// spread draws two ruled pages side by side with a blank gutter in the middle.
func spread() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 2000, 1000))
	for i := range img.Pix {
		img.Pix[i] = 245
	}
	for _, r := range []image.Rectangle{image.Rect(100, 100, 900, 900), image.Rect(1100, 100, 1900, 900)} {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			if (y-r.Min.Y)%20 >= 4 {
				continue
			}
			for x := r.Min.X; x < r.Max.X; x++ {
				img.Pix[y*img.Stride+x] = 20
			}
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// orientedJPEG encodes img as JPEG with an EXIF orientation tag, the way a
// phone stores a photo taken sideways.
func orientedJPEG(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	// big-endian TIFF header, one IFD entry: Orientation (0x0112), SHORT
	tiff := []byte{'M', 'M', 0, 42, 0, 0, 0, 8, 0, 1, 0x01, 0x12, 0, 3, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(tiff[18:], orientation)
	payload := append([]byte("Exif\x00\x00"), tiff...)

	app1 := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(app1[2:], uint16(len(payload)+2))
	app1 = append(app1, payload...)

	jpg := buf.Bytes()
	return slices.Concat(jpg[:2], app1, jpg[2:])
}

// sheetOnTable photographs a ruled white sheet lying on a dark table.
func sheetOnTable() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 1000, 1400))
	sheet := image.Rect(100, 120, 900, 1300)
	for y := range 1400 {
		for x := range 1000 {
			v := uint8(40)
			if image.Pt(x, y).In(sheet) {
				v = 245
				if image.Pt(x, y).In(sheet.Inset(100)) && (y-220)%20 < 4 {
					v = 20
				}
			}
			img.Pix[y*img.Stride+x] = v
		}
	}
	return img
}

func pageIDs(pages []model.Page) []string {
	ids := make([]string, len(pages))
	for i, p := range pages {
		ids[i] = p.ID
	}
	return ids
}

func checkSequences(t *testing.T, pages []model.Page) {
	t.Helper()
	for i, p := range pages {
		if p.Sequence != i+1 {
			t.Errorf("page %d has sequence %d", i, p.Sequence)
		}
	}
}

func fullMeta() model.ExamMetadata {
	return model.ExamMetadata{Degree: "BSc", Subject: "Physics", ExamDate: "2026-05-04", Institution: "Uni"}
}

func TestOpen(t *testing.T) {
	f := newFixture(t, Options{})

	if st := f.m.Status(); st.Active || st.State != model.SessionEmpty {
		t.Fatalf("initial status = %+v", st)
	}
	sess := f.open(t)
	if sess.State != model.SessionActive || sess.ID == "" {
		t.Errorf("Open returned %+v", sess)
	}
	if _, err := f.m.Open(); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Open = %v, want ErrAlreadyActive", err)
	}
	if _, err := os.Stat(filepath.Join(f.work, sess.ID)); err != nil {
		t.Errorf("session dir missing: %v", err)
	}
	active, err := f.st.ActiveSession()
	if err != nil || active == nil || active.ID != sess.ID {
		t.Errorf("ActiveSession = %+v, %v", active, err)
	}
}

func TestAddRequiresSession(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.m.AddPageBytes(context.Background(), "a.png", pngBytes(t, blocks(1, 600, 800, 20)), model.OriginUpload)
	if !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("AddPageBytes = %v, want ErrNoActiveSession", err)
	}
}

func TestAddRemoveRenumbers(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.open(t)

	p1 := f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	p2 := f.add(t, pngBytes(t, blocks(2, 600, 800, 20)))
	p3 := f.add(t, pngBytes(t, blocks(3, 600, 800, 20)))

	if p1.Processing != model.ProcessingRaw || p1.Origin != model.OriginUpload {
		t.Errorf("page 1 = %+v", p1)
	}
	if got := f.m.Status().Metadata.UniqueID; got != UniqueID(p1.Fingerprint) {
		t.Errorf("UniqueID = %q, want %q", got, UniqueID(p1.Fingerprint))
	}

	if err := f.m.RemovePage(2); err != nil {
		t.Fatalf("RemovePage: %v", err)
	}
	st := f.m.Status()
	if got := pageIDs(st.Pages); len(got) != 2 || got[0] != p1.ID || got[1] != p3.ID {
		t.Fatalf("pages after remove = %v", got)
	}
	checkSequences(t, st.Pages)
	if _, err := os.Stat(p2.SourcePath); !os.IsNotExist(err) {
		t.Errorf("removed page file still present: %v", err)
	}
	if n := f.index.Len(sess.ID); n != 2 {
		t.Errorf("index has %d entries, want 2", n)
	}

	stored, err := f.st.Pages(sess.ID)
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if got := pageIDs(stored); len(got) != 2 || got[0] != p1.ID || got[1] != p3.ID {
		t.Errorf("stored pages = %v", got)
	}
	checkSequences(t, stored)

	if err := f.m.RemovePage(5); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemovePage(5) = %v, want ErrNotFound", err)
	}
}

func TestMovePage(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	var ids []string
	for seed := uint64(1); seed <= 3; seed++ {
		ids = append(ids, f.add(t, pngBytes(t, blocks(seed, 600, 800, 20))).ID)
	}

	if err := f.m.MovePage(3, 1); err != nil {
		t.Fatalf("MovePage: %v", err)
	}
	st := f.m.Status()
	want := []string{ids[2], ids[0], ids[1]}
	for i, id := range pageIDs(st.Pages) {
		if id != want[i] {
			t.Errorf("position %d = %s, want %s", i+1, id, want[i])
		}
	}
	checkSequences(t, st.Pages)

	if err := f.m.MovePage(1, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("MovePage out of range = %v", err)
	}
}

func TestAddRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))

	tests := []struct {
		name string
		data []byte
		flag model.QualityFlag
		want error
	}{
		{"below floor", pngBytes(t, blocks(2, 100, 100, 10)), model.FlagLowResolution, quality.ErrBelowFloor},
		{"corrupted", []byte("not an image"), model.FlagCorrupted, quality.ErrCorrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.AddPageBytes(context.Background(), "x.png", tt.data, model.OriginUpload)
			var rej *RejectedError
			if !errors.As(err, &rej) {
				t.Fatalf("expected RejectedError, got %v", err)
			}
			if rej.Result.Accepted || !rej.Result.Flags.Has(tt.flag) {
				t.Errorf("result = %+v", rej.Result)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.want)
			}
			if n := len(f.m.Status().Pages); n != 1 {
				t.Errorf("page count = %d, want 1", n)
			}
		})
	}
}

func TestDuplicateFlagged(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	data := pngBytes(t, blocks(7, 600, 800, 20))

	first := f.add(t, data)
	if first.Flags.Has(model.FlagDuplicate) {
		t.Fatal("first page flagged as duplicate")
	}
	res, err := f.m.AddPageBytes(context.Background(), "again.png", data, model.OriginUpload)
	if err != nil {
		t.Fatalf("duplicate must be accepted: %v", err)
	}
	if !res.Validation.Flags.Has(model.FlagDuplicate) || res.Validation.DuplicateOf != first.SourcePath {
		t.Errorf("validation = %+v", res.Validation)
	}

	// A new copy starts with an empty index.
	if _, err := f.m.SetMetadata(fullMeta()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Complete(context.Background()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	f.open(t)
	if p := f.add(t, data); p.Flags.Has(model.FlagDuplicate) {
		t.Error("page flagged as duplicate of a completed copy")
	}
}

func TestSetMetadata(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)

	if _, err := f.m.SetMetadata(model.ExamMetadata{ExamDate: "04/05/2026"}); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("bad date = %v, want ErrInvalidMetadata", err)
	}

	meta := fullMeta()
	meta.UniqueID = "roll-17"
	got, err := f.m.SetMetadata(meta)
	if err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if got != meta {
		t.Errorf("SetMetadata = %+v", got)
	}

	// Empty unique id keeps the current one.
	got, err = f.m.SetMetadata(fullMeta())
	if err != nil || got.UniqueID != "roll-17" {
		t.Errorf("SetMetadata = %+v, %v", got, err)
	}

	remembered, err := f.st.LastExamDetails()
	if err != nil || remembered.Subject != "Physics" || remembered.UniqueID != "" {
		t.Errorf("LastExamDetails = %+v, %v", remembered, err)
	}
}

func TestCompletePreconditions(t *testing.T) {
	f := newFixture(t, Options{})

	if _, err := f.m.Complete(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Complete without session = %v", err)
	}
	f.open(t)
	if _, err := f.m.Complete(context.Background()); !errors.Is(err, ErrNoPages) {
		t.Errorf("Complete without pages = %v", err)
	}

	f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	before := f.m.Status()
	_, err := f.m.Complete(context.Background())
	if !errors.Is(err, ErrIncompleteMetadata) {
		t.Fatalf("Complete = %v, want ErrIncompleteMetadata", err)
	}
	var me *MetadataError
	if !errors.As(err, &me) || len(me.Missing) != 4 {
		t.Errorf("missing = %+v", me)
	}
	after := f.m.Status()
	if !after.Active || len(after.Pages) != len(before.Pages) {
		t.Errorf("status changed: %+v", after)
	}
	if len(f.em.calls) != 0 {
		t.Error("emitter called with incomplete metadata")
	}
}

func TestStatusWaitsForEmission(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	if _, err := f.m.SetMetadata(fullMeta()); err != nil {
		t.Fatal(err)
	}
	f.em.started = make(chan struct{})
	f.em.release = make(chan struct{})

	completed := make(chan error, 1)
	go func() {
		_, err := f.m.Complete(context.Background())
		completed <- err
	}()
	<-f.em.started

	status := make(chan model.Status, 1)
	go func() { status <- f.m.Status() }()
	select {
	case st := <-status:
		t.Fatalf("Status returned during emission: %+v", st)
	case <-time.After(50 * time.Millisecond):
	}

	close(f.em.release)
	if err := <-completed; err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if st := <-status; st.Active || len(st.Pages) != 0 {
		t.Errorf("status after completion = %+v, want the emptied state", st)
	}
}

func TestCompleteEmissionFailureKeepsSession(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.open(t)
	f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	f.add(t, pngBytes(t, blocks(2, 600, 800, 20)))
	if _, err := f.m.SetMetadata(fullMeta()); err != nil {
		t.Fatal(err)
	}

	f.em.err = errors.New("disk full")
	_, err := f.m.Complete(context.Background())
	var ee *EmissionError
	if !errors.As(err, &ee) || ee.SessionID != sess.ID {
		t.Fatalf("Complete = %v, want EmissionError", err)
	}
	st := f.m.Status()
	if !st.Active || st.State != model.SessionActive || len(st.Pages) != 2 {
		t.Errorf("status after failure = %+v", st)
	}
	active, _ := f.st.ActiveSession()
	if active == nil || active.ID != sess.ID {
		t.Error("session no longer active in store")
	}

	// Retry succeeds.
	f.em.err = nil
	done, err := f.m.Complete(context.Background())
	if err != nil {
		t.Fatalf("retry Complete: %v", err)
	}
	if done.State != model.SessionCompleted || done.PDFPath == "" || done.CompletedAt == nil || len(done.Pages) != 2 {
		t.Errorf("completed session = %+v", done)
	}
	if st := f.m.Status(); st.Active || st.State != model.SessionEmpty {
		t.Errorf("status after completion = %+v", st)
	}
	stored, err := f.st.GetSession(sess.ID)
	if err != nil || stored.State != model.SessionCompleted || stored.PDFPath != done.PDFPath {
		t.Errorf("stored session = %+v, %v", stored, err)
	}
	if len(f.em.calls) != 2 || len(f.em.calls[1]) != 2 {
		t.Errorf("emitter calls = %v", f.em.calls)
	}

	// Exam details carry over; the unique id does not.
	next := f.open(t)
	if next.Metadata.Subject != "Physics" || next.Metadata.UniqueID != "" {
		t.Errorf("prefilled metadata = %+v", next.Metadata)
	}
}

func TestCompleteCleansScannerSources(t *testing.T) {
	f := newFixture(t, Options{CleanupSources: true})
	f.open(t)

	inbox := t.TempDir()
	src := filepath.Join(inbox, "scan-001.png")
	if err := os.WriteFile(src, pngBytes(t, blocks(1, 600, 800, 20)), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := f.m.AddPage(context.Background(), src, model.OriginScanner)
	if err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	if res.Page.OriginPath != src || res.Page.SourcePath == src {
		t.Errorf("page = %+v", res.Page)
	}
	if _, err := f.m.SetMetadata(fullMeta()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Complete(context.Background()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("scanner source not cleaned up: %v", err)
	}
}

func TestSplitReplacesPageInSlot(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.open(t)
	p1 := f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	p2 := f.add(t, pngBytes(t, spread()))
	p3 := f.add(t, pngBytes(t, blocks(3, 600, 800, 20)))

	// The UI shows the 2000×1000 spread at 1000×500.
	rects := [2]geometry.DisplayRect{{X: 0, Y: 0, W: 500, H: 500}, {X: 500, Y: 0, W: 500, H: 500}}
	halves, err := f.m.Split(context.Background(), 2, rects, geometry.Size{W: 1000, H: 500})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(halves) != 2 {
		t.Fatalf("Split returned %d pages", len(halves))
	}
	for _, h := range halves {
		if h.Width != 1000 || h.Height != 1000 {
			t.Errorf("half size = %dx%d", h.Width, h.Height)
		}
		if h.Origin != model.OriginSplit || h.Processing != model.ProcessingSplit {
			t.Errorf("half = %+v", h)
		}
	}

	st := f.m.Status()
	got := pageIDs(st.Pages)
	want := []string{p1.ID, halves[0].ID, halves[1].ID, p3.ID}
	if len(got) != len(want) {
		t.Fatalf("pages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %s, want %s", i+1, got[i], want[i])
		}
	}
	checkSequences(t, st.Pages)
	if _, err := os.Stat(p2.SourcePath); !os.IsNotExist(err) {
		t.Error("original spread image was not removed")
	}
	if n := f.index.Len(sess.ID); n != 4 {
		t.Errorf("index has %d entries, want 4", n)
	}

	// Overlapping rectangles are rejected without changes.
	bad := [2]geometry.DisplayRect{{X: 0, Y: 0, W: 300, H: 300}, {X: 100, Y: 100, W: 300, H: 300}}
	if _, err := f.m.Split(context.Background(), 1, bad, geometry.Size{W: 600, H: 800}); !errors.Is(err, geometry.ErrInvalidGeometry) {
		t.Errorf("overlapping split = %v", err)
	}
	if n := len(f.m.Status().Pages); n != 4 {
		t.Errorf("page count after bad split = %d", n)
	}
}

func TestAutoCheck(t *testing.T) {
	t.Run("records spread and is idempotent", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.open(t)
		f.add(t, pngBytes(t, spread()))

		res, err := f.m.AutoCheck(context.Background(), 1)
		if err != nil {
			t.Fatalf("AutoCheck: %v", err)
		}
		if !res.Changed || len(res.Pages) != 1 {
			t.Fatalf("result = %+v", res)
		}
		p := res.Pages[0]
		if p.Processing != model.ProcessingAutoChecked || p.Spread == nil || p.Spread.SplitOffset != 1000 {
			t.Errorf("page = %+v", p)
		}

		again, err := f.m.AutoCheck(context.Background(), 1)
		if err != nil {
			t.Fatalf("second AutoCheck: %v", err)
		}
		if again.Changed || len(again.Pages) != 1 || again.Pages[0].SourcePath != p.SourcePath || again.Pages[0].Processing != p.Processing {
			t.Errorf("second result = %+v", again)
		}
	})

	t.Run("auto split", func(t *testing.T) {
		f := newFixture(t, Options{AutoSplit: true})
		f.open(t)
		f.add(t, pngBytes(t, spread()))

		res, err := f.m.AutoCheck(context.Background(), 1)
		if err != nil {
			t.Fatalf("AutoCheck: %v", err)
		}
		if len(res.Pages) != 2 || len(f.m.Status().Pages) != 2 {
			t.Fatalf("expected two pages, got %+v", res.Pages)
		}
		if res.Pages[0].Processing != model.ProcessingSplit {
			t.Errorf("page = %+v", res.Pages[0])
		}
	})
}

func TestAutoSplitNoSpread(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))

	if _, err := f.m.AutoSplit(context.Background(), 1); !errors.Is(err, ErrNoSpread) {
		t.Errorf("AutoSplit = %v, want ErrNoSpread", err)
	}
}

func TestApplyEdits(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	orig := f.add(t, pngBytes(t, blocks(1, 1200, 1600, 20)))

	crop := geometry.DisplayRect{X: 0, Y: 0, W: 300, H: 400}
	p, err := f.m.ApplyEdits(context.Background(), 1, autoproc.Edits{Crop: &crop, Display: geometry.Size{W: 600, H: 800}})
	if err != nil {
		t.Fatalf("ApplyEdits: %v", err)
	}
	if p.Width != 600 || p.Height != 800 || p.Processing != model.ProcessingEdited || p.ID != orig.ID {
		t.Errorf("edited page = %+v", p)
	}
	if _, err := os.Stat(orig.SourcePath); !os.IsNotExist(err) {
		t.Error("pre-edit image was not removed")
	}

	tiny := geometry.DisplayRect{X: 0, Y: 0, W: 10, H: 10}
	_, err = f.m.ApplyEdits(context.Background(), 1, autoproc.Edits{Crop: &tiny, Display: geometry.Size{W: 600, H: 800}})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("tiny crop = %v, want RejectedError", err)
	}
	if got, _ := f.m.Page(1); got.SourcePath != p.SourcePath {
		t.Error("rejected edit changed the page")
	}

	if _, err := f.m.ApplyEdits(context.Background(), 1, autoproc.Edits{}); !errors.Is(err, autoproc.ErrInvalidEdit) {
		t.Errorf("empty edits = %v", err)
	}
}

func TestBusyPage(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)
	p := f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	if _, err := f.m.SetMetadata(fullMeta()); err != nil {
		t.Fatal(err)
	}

	f.m.mu.Lock()
	f.m.busy[p.ID] = true
	f.m.mu.Unlock()

	if err := f.m.RemovePage(1); !errors.Is(err, ErrPageBusy) {
		t.Errorf("RemovePage = %v", err)
	}
	if _, err := f.m.AutoCheck(context.Background(), 1); !errors.Is(err, ErrPageBusy) {
		t.Errorf("AutoCheck = %v", err)
	}
	if _, err := f.m.Complete(context.Background()); !errors.Is(err, ErrPageBusy) {
		t.Errorf("Complete = %v", err)
	}

	f.m.release(p.ID)
	if err := f.m.RemovePage(1); err != nil {
		t.Errorf("RemovePage after release: %v", err)
	}
}

func TestConcurrentAdds(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)

	const n = 8
	images := make([][]byte, n)
	for i := range images {
		images[i] = pngBytes(t, blocks(uint64(100+i), 600, 800, 20))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range images {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.AddPageBytes(context.Background(), fmt.Sprintf("p%d.png", i), images[i], model.OriginUpload)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("AddPageBytes: %v", err)
		}
	}

	st := f.m.Status()
	if len(st.Pages) != n {
		t.Fatalf("page count = %d, want %d", len(st.Pages), n)
	}
	checkSequences(t, st.Pages)
}

func TestRecover(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.open(t)
	f.add(t, pngBytes(t, blocks(1, 600, 800, 20)))
	lost := f.add(t, pngBytes(t, blocks(2, 600, 800, 20)))
	p3 := f.add(t, pngBytes(t, blocks(3, 600, 800, 20)))

	if err := os.Remove(lost.SourcePath); err != nil {
		t.Fatal(err)
	}

	ix := dedupe.New()
	m := NewManager(f.st, quality.New(quality.DefaultThresholds()), ix, f.em, Options{WorkDir: f.work})
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st := m.Status()
	if !st.Active || st.SessionID != sess.ID || len(st.Pages) != 2 {
		t.Fatalf("recovered status = %+v", st)
	}
	if st.Pages[1].ID != p3.ID {
		t.Errorf("second page = %s, want %s", st.Pages[1].ID, p3.ID)
	}
	checkSequences(t, st.Pages)
	if ix.Len(sess.ID) != 2 {
		t.Errorf("rebuilt index has %d entries", ix.Len(sess.ID))
	}
	if _, err := m.Open(); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Open after Recover = %v", err)
	}

	stored, _ := f.st.Pages(sess.ID)
	if len(stored) != 2 {
		t.Errorf("stored pages = %d", len(stored))
	}
}

func TestAddStoresRotatedPhotoUpright(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t)

	// sensor 800×600, orientation 6: the page is upright as 600×800
	data := orientedJPEG(t, blocks(3, 800, 600, 20), 6)
	if o := imaging.Orientation(data); o != 6 {
		t.Fatalf("fixture orientation = %d, want 6", o)
	}
	p := f.add(t, data)
	if p.Width != 600 || p.Height != 800 {
		t.Errorf("page size = %dx%d, want 600x800", p.Width, p.Height)
	}
	if p.Processing != model.ProcessingRaw {
		t.Errorf("Processing = %s, want RAW", p.Processing)
	}

	stored, err := os.ReadFile(p.SourcePath)
	if err != nil {
		t.Fatal(err)
	}
	img, format, err := imaging.Decode(stored)
	if err != nil {
		t.Fatalf("decode stored page: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 600 || b.Dy() != 800 || format != "jpeg" {
		t.Errorf("stored image = %v %s, want 600x800 jpeg", b.Size(), format)
	}
	if o := imaging.Orientation(stored); o != 1 {
		t.Errorf("stored orientation = %d, want 1", o)
	}
	upright := quality.AnalyzeImage(imaging.ApplyOrientation(blocks(3, 800, 600, 20), 6), "jpeg")
	if d := dedupe.Hamming(p.Fingerprint, upright.Fingerprint); d > quality.DefaultThresholds().DuplicateDistance {
		t.Errorf("fingerprint is %d bits from the upright image", d)
	}
}

func TestAutoCheckCropsSheet(t *testing.T) {
	t.Run("auto-processed page is left alone", func(t *testing.T) {
		f := newFixture(t, Options{AutoSplit: true})
		sess := f.open(t)
		orig := f.add(t, pngBytes(t, sheetOnTable()))

		res, err := f.m.AutoCheck(context.Background(), 1)
		if err != nil {
			t.Fatalf("AutoCheck: %v", err)
		}
		if !res.Changed || len(res.Pages) != 1 {
			t.Fatalf("result = %+v", res)
		}
		p := res.Pages[0]
		if p.Processing != model.ProcessingAutoProcessed || p.Width != 820 || p.Height != 1200 {
			t.Errorf("page = %+v, want AUTO_PROCESSED 820x1200", p)
		}
		if p.SourcePath == orig.SourcePath {
			t.Error("cropped page kept the original path")
		}
		if _, err := os.Stat(orig.SourcePath); !os.IsNotExist(err) {
			t.Error("uncropped image was not removed")
		}

		again, err := f.m.AutoCheck(context.Background(), 1)
		if err != nil {
			t.Fatalf("second AutoCheck: %v", err)
		}
		if again.Changed || len(again.Pages) != 1 || again.Pages[0].SourcePath != p.SourcePath ||
			again.Pages[0].Processing != model.ProcessingAutoProcessed {
			t.Errorf("second result = %+v", again)
		}
		if n := len(f.m.Status().Pages); n != 1 {
			t.Errorf("page count = %d, want 1", n)
		}
		if n := f.index.Len(sess.ID); n != 1 {
			t.Errorf("index has %d entries, want 1", n)
		}
	})

	t.Run("flags follow the cropped image", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.open(t)

		full := sheetOnTable()
		crop := autoproc.DetectBorders(full).Crop
		f.add(t, pngBytes(t, imaging.Crop(full, crop.Image())))
		f.add(t, pngBytes(t, full))

		res, err := f.m.AutoCheck(context.Background(), 2)
		if err != nil {
			t.Fatalf("AutoCheck: %v", err)
		}
		if p := res.Pages[0]; !p.Flags.Has(model.FlagDuplicate) {
			t.Errorf("flags = %v, want DUPLICATE after cropping to the same sheet", p.Flags)
		}
	})
}

func TestAutoCheckOnAdd(t *testing.T) {
	f := newFixture(t, Options{AutoCheck: true})
	f.open(t)

	res, err := f.m.AddPageBytes(context.Background(), "table.png", pngBytes(t, sheetOnTable()), model.OriginUpload)
	if err != nil {
		t.Fatalf("AddPageBytes: %v", err)
	}
	if res.Check == nil || !res.Check.Changed {
		t.Fatalf("check = %+v, want an auto-check on add", res.Check)
	}
	st := f.m.Status()
	if len(st.Pages) != 1 || st.Pages[0].Processing != model.ProcessingAutoProcessed || st.Pages[0].Width != 820 {
		t.Errorf("pages = %+v", st.Pages)
	}
}
