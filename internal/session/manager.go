// Package session owns the answer-copy lifecycle: opening a copy, adding and
// ordering pages, and completing it into a PDF.
//
// Every mutation goes through one mutex. Image analysis runs outside it;
// duplicate comparison and the state change happen inside, so each operation
// either fully applies or leaves memory and the database untouched.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examscan/internal/dedupe"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/metrics"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/quality"
)

// Store is the persistence the manager needs. *store.Store implements it.
type Store interface {
	CreateSession(sess model.Session) error
	ActiveSession() (*model.Session, error)
	UpdateMetadata(id string, m model.ExamMetadata) error
	InsertPage(p model.Page) error
	UpdatePage(p model.Page) error
	ReplacePages(sessionID string, pages []model.Page) error
	CompleteSession(id, pdfPath string, at time.Time) error
	SetLastExamDetails(m model.ExamMetadata) error
	LastExamDetails() (model.ExamMetadata, error)
}

// Emitter turns the ordered page images into a PDF and returns its path.
type Emitter interface {
	Emit(ctx context.Context, sessionID string, pages []string, meta model.ExamMetadata) (string, error)
}

// Options configures a Manager.
type Options struct {
	WorkDir        string // page images live in WorkDir/<session id>/
	AutoCheck      bool   // run AutoCheck on every added page
	AutoSplit      bool   // AutoCheck splits detected spreads
	CleanupSources bool   // delete watched source files after completion
}

// Manager is the Session Manager. It is safe for concurrent use.
type Manager struct {
	store     Store
	validator *quality.Validator
	index     *dedupe.Index
	emitter   Emitter
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	current *model.Session
	busy    map[string]bool
}

// NewManager returns a Manager with no open session. Call Recover to pick up
// a session left open by a previous run.
func NewManager(st Store, v *quality.Validator, ix *dedupe.Index, em Emitter, opts Options) *Manager {
	return &Manager{
		store:     st,
		validator: v,
		index:     ix,
		emitter:   em,
		opts:      opts,
		now:       time.Now,
		busy:      make(map[string]bool),
	}
}

// AddResult is returned for an accepted page. Check is set when the page
// was auto-checked on arrival.
type AddResult struct {
	Page       model.Page             `json:"page"`
	Validation model.ValidationResult `json:"validation"`
	Check      *CheckResult           `json:"check,omitempty"`
}

// Recover restores the ACTIVE session from the store. Pages whose image file
// is gone are dropped and the rest renumbered.
func (m *Manager) Recover(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.ActiveSession()
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if sess == nil {
		return nil
	}

	kept := make([]model.Page, 0, len(sess.Pages))
	for _, p := range sess.Pages {
		if _, err := os.Stat(p.SourcePath); err != nil {
			slog.Warn("dropping page with missing image", "session_id", sess.ID, "seq", p.Sequence, "path", p.SourcePath)
			continue
		}
		kept = append(kept, p)
	}
	if renumber(kept) || len(kept) != len(sess.Pages) {
		if err := m.store.ReplacePages(sess.ID, kept); err != nil {
			return fmt.Errorf("rewrite recovered pages: %w", err)
		}
	}
	if err := os.MkdirAll(m.sessionDir(sess.ID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	sess.Pages = kept

	m.index.Clear(sess.ID)
	for _, p := range kept {
		m.index.Add(sess.ID, entryOf(p))
	}
	m.current = sess
	metrics.SetActivePages(len(kept))
	slog.Info("recovered answer copy", "session_id", sess.ID, "pages", len(kept))
	return nil
}

// Open starts a new answer copy. Exam details from the last copy are
// pre-filled; the unique id is not carried over.
func (m *Manager) Open() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyActive
	}

	meta, err := m.store.LastExamDetails()
	if err != nil {
		slog.Warn("load remembered exam details failed", "error", err)
		meta = model.ExamMetadata{}
	}
	meta.UniqueID = ""

	sess := &model.Session{
		ID:        uuid.NewString(),
		State:     model.SessionActive,
		Metadata:  meta,
		CreatedAt: m.now().UTC(),
	}
	if err := os.MkdirAll(m.sessionDir(sess.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := m.store.CreateSession(*sess); err != nil {
		os.Remove(m.sessionDir(sess.ID))
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.current = sess
	metrics.IncSession("opened")
	metrics.SetActivePages(0)
	slog.Info("answer copy opened", "session_id", sess.ID)
	return m.snapshot(), nil
}

// Status returns a snapshot for UI polling. It waits for the manager lock,
// so it blocks while Complete is emitting a PDF.
func (m *Manager) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return model.Status{State: model.SessionEmpty, Pages: []model.Page{}}
	}
	s := m.snapshot()
	return model.Status{
		Active:    true,
		SessionID: s.ID,
		State:     s.State,
		Pages:     s.Pages,
		Metadata:  s.Metadata,
		Missing:   s.Metadata.Missing(),
	}
}

// Page returns the page at 1-based position seq.
func (m *Manager) Page(seq int) (model.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return model.Page{}, ErrNoActiveSession
	}
	return m.pageAt(seq)
}

// AddPage reads the image at path and adds it. Scanner pages remember path
// so it can be cleaned up after completion.
func (m *Manager) AddPage(ctx context.Context, path string, origin model.Origin) (*AddResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	originPath := ""
	if origin == model.OriginScanner {
		originPath = path
	}
	return m.add(ctx, filepath.Base(path), originPath, data, origin)
}

// AddPageBytes adds an uploaded image.
func (m *Manager) AddPageBytes(ctx context.Context, name string, data []byte, origin model.Origin) (*AddResult, error) {
	return m.add(ctx, name, "", data, origin)
}

func (m *Manager) add(ctx context.Context, name, originPath string, data []byte, origin model.Origin) (*AddResult, error) {
	sessionID, err := m.activeID()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a, err := quality.Analyze(data)
	if err != nil {
		metrics.IncRejected(string(model.FlagCorrupted))
		slog.Info("page rejected", "session_id", sessionID, "name", name, "error", err)
		return nil, &RejectedError{Result: quality.CorruptedResult()}
	}
	// PDF pages ignore EXIF, so rotated photos are stored upright.
	reoriented := a.Orientation > 1
	if reoriented {
		a = quality.AnalyzeImage(imaging.ApplyOrientation(a.Image, a.Orientation), a.Format)
	}

	res, err := m.insert(sessionID, name, originPath, data, reoriented, a, origin)
	if err != nil || !m.opts.AutoCheck {
		return res, err
	}

	check, err := m.autoCheck(ctx, res.Page.ID)
	if err != nil {
		slog.Warn("auto-check on add failed", "session_id", sessionID, "page_id", res.Page.ID, "error", err)
		return res, nil
	}
	res.Check = check
	return res, nil
}

// insert evaluates a against the session's pages and appends it.
func (m *Manager) insert(sessionID, name, originPath string, data []byte, reencode bool, a *quality.Analysis, origin model.Origin) (*AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != sessionID {
		return nil, ErrNoActiveSession
	}
	res := m.validator.Evaluate(a, m.index.Entries(sessionID))
	if !res.Accepted {
		for _, f := range res.Flags {
			metrics.IncRejected(string(f))
		}
		slog.Info("page rejected", "session_id", sessionID, "name", name, "reason", res.Reason)
		return nil, &RejectedError{Result: res}
	}

	path, err := m.storeOriginal(sessionID, data, a, reencode)
	if err != nil {
		return nil, err
	}

	page := model.Page{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Sequence:     len(m.current.Pages) + 1,
		SourcePath:   path,
		OriginalName: name,
		OriginPath:   originPath,
		Origin:       origin,
		Fingerprint:  a.Fingerprint,
		Width:        a.Width,
		Height:       a.Height,
		FocusScore:   a.FocusScore,
		Flags:        res.Flags,
		Processing:   model.ProcessingRaw,
		CreatedAt:    m.now().UTC(),
	}

	meta := m.current.Metadata
	if meta.UniqueID == "" {
		meta.UniqueID = UniqueID(a.Fingerprint)
		if err := m.store.UpdateMetadata(sessionID, meta); err != nil {
			removeFile(path)
			return nil, fmt.Errorf("persist unique id: %w", err)
		}
	}
	if err := m.store.InsertPage(page); err != nil {
		removeFile(path)
		if meta != m.current.Metadata {
			if rerr := m.store.UpdateMetadata(sessionID, m.current.Metadata); rerr != nil {
				slog.Error("revert unique id failed", "session_id", sessionID, "error", rerr)
			}
		}
		return nil, fmt.Errorf("persist page: %w", err)
	}

	m.current.Metadata = meta
	m.current.Pages = append(m.current.Pages, page)
	m.index.Add(sessionID, entryOf(page))

	metrics.IncPageAdded(string(origin))
	for _, f := range res.Flags {
		metrics.IncWarning(string(f))
	}
	metrics.SetActivePages(len(m.current.Pages))
	slog.Info("page added", "session_id", sessionID, "seq", page.Sequence, "name", name, "flags", res.Flags.String())
	return &AddResult{Page: page, Validation: res}, nil
}

// RemovePage deletes the page at seq and renumbers the rest.
func (m *Manager) RemovePage(seq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoActiveSession
	}
	p, err := m.pageAt(seq)
	if err != nil {
		return err
	}
	if m.busy[p.ID] {
		return ErrPageBusy
	}

	pages := slices.Concat(m.current.Pages[:seq-1], m.current.Pages[seq:])
	renumber(pages)
	if err := m.store.ReplacePages(m.current.ID, pages); err != nil {
		return fmt.Errorf("persist pages: %w", err)
	}
	m.current.Pages = pages
	m.index.Remove(m.current.ID, p.SourcePath)
	removeFile(p.SourcePath)

	metrics.SetActivePages(len(pages))
	slog.Info("page removed", "session_id", m.current.ID, "seq", seq, "remaining", len(pages))
	return nil
}

// MovePage moves the page at from to position to.
func (m *Manager) MovePage(from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoActiveSession
	}
	p, err := m.pageAt(from)
	if err != nil {
		return err
	}
	if _, err := m.pageAt(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	pages := slices.Delete(slices.Clone(m.current.Pages), from-1, from)
	pages = slices.Insert(pages, to-1, p)
	renumber(pages)
	if err := m.store.ReplacePages(m.current.ID, pages); err != nil {
		return fmt.Errorf("persist pages: %w", err)
	}
	m.current.Pages = pages
	slog.Info("page moved", "session_id", m.current.ID, "from", from, "to", to)
	return nil
}

// SetMetadata replaces the exam details. An empty unique id keeps the
// current one. The details are remembered for the next copy.
func (m *Manager) SetMetadata(meta model.ExamMetadata) (model.ExamMetadata, error) {
	meta = model.ExamMetadata{}.Merge(meta)
	if meta.ExamDate != "" {
		if _, err := time.Parse(time.DateOnly, meta.ExamDate); err != nil {
			return model.ExamMetadata{}, fmt.Errorf("%w: exam date %q is not YYYY-MM-DD", ErrInvalidMetadata, meta.ExamDate)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return model.ExamMetadata{}, ErrNoActiveSession
	}
	if meta.UniqueID == "" {
		meta.UniqueID = m.current.Metadata.UniqueID
	}
	if err := m.store.UpdateMetadata(m.current.ID, meta); err != nil {
		return model.ExamMetadata{}, fmt.Errorf("persist metadata: %w", err)
	}
	m.current.Metadata = meta
	if err := m.store.SetLastExamDetails(meta); err != nil {
		slog.Warn("remember exam details failed", "error", err)
	}
	return meta, nil
}

// Complete emits the PDF and closes the copy. On any failure the session
// stays ACTIVE and unchanged so the call can be retried. The manager lock is
// held for the whole emission, so the pages cannot change between the
// snapshot that is rendered and the session being closed.
func (m *Manager) Complete(ctx context.Context) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrNoActiveSession
	}
	if len(m.current.Pages) == 0 {
		return nil, ErrNoPages
	}
	if missing := m.current.Metadata.Missing(); len(missing) > 0 {
		return nil, &MetadataError{Missing: missing}
	}
	if len(m.busy) > 0 {
		return nil, ErrPageBusy
	}

	id := m.current.ID
	start := time.Now()
	path, err := m.emitter.Emit(ctx, id, m.current.PagePaths(), m.current.Metadata)
	metrics.ObserveEmit(time.Since(start))
	if err != nil {
		metrics.IncSession("emission_failed")
		slog.Error("pdf emission failed", "session_id", id, "error", err)
		return nil, &EmissionError{SessionID: id, Err: err}
	}

	at := m.now().UTC()
	if err := m.store.CompleteSession(id, path, at); err != nil {
		removeFile(path)
		return nil, fmt.Errorf("persist completion: %w", err)
	}

	done := m.snapshot()
	done.State = model.SessionCompleted
	done.PDFPath = path
	done.CompletedAt = &at

	m.index.Clear(id)
	if m.opts.CleanupSources {
		for _, p := range done.Pages {
			if p.OriginPath != "" {
				removeFile(p.OriginPath)
			}
		}
	}
	m.current = nil

	metrics.IncSession("completed")
	metrics.SetActivePages(0)
	slog.Info("answer copy completed", "session_id", id, "pages", len(done.Pages), "pdf", path)
	return done, nil
}

// UniqueID derives an answer-copy id from a page fingerprint.
func UniqueID(fp uint64) string {
	return fmt.Sprintf("%016x", fp)[:8]
}

func (m *Manager) activeID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", ErrNoActiveSession
	}
	return m.current.ID, nil
}

// pageAt requires m.mu.
func (m *Manager) pageAt(seq int) (model.Page, error) {
	if seq < 1 || seq > len(m.current.Pages) {
		return model.Page{}, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return m.current.Pages[seq-1], nil
}

// snapshot requires m.mu.
func (m *Manager) snapshot() *model.Session {
	s := *m.current
	s.Pages = slices.Clone(m.current.Pages)
	if s.Pages == nil {
		s.Pages = []model.Page{}
	}
	return &s
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.opts.WorkDir, id)
}

func (m *Manager) newPagePath(sessionID, format string) string {
	return filepath.Join(m.sessionDir(sessionID), uuid.NewString()+imaging.Ext(format))
}

// storeOriginal keeps JPEG and PNG bytes as they are unless reencode is
// set, and re-encodes other formats to PNG.
func (m *Manager) storeOriginal(sessionID string, data []byte, a *quality.Analysis, reencode bool) (string, error) {
	if err := os.MkdirAll(m.sessionDir(sessionID), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	format := a.Format
	if format != "jpeg" {
		format = "png"
	}
	var err error
	path := m.newPagePath(sessionID, format)
	switch {
	case !reencode && (a.Format == "jpeg" || a.Format == "png"):
		err = imaging.WriteBytesAtomic(path, data)
	default:
		err = imaging.WriteFileAtomic(path, a.Image, format)
	}
	if err != nil {
		return "", fmt.Errorf("store page image: %w", err)
	}
	return path, nil
}

// renumber sets 1-based sequences and reports whether any changed.
func renumber(pages []model.Page) bool {
	changed := false
	for i := range pages {
		if pages[i].Sequence != i+1 {
			pages[i].Sequence = i + 1
			changed = true
		}
	}
	return changed
}

func entryOf(p model.Page) dedupe.Entry {
	return dedupe.Entry{Fingerprint: p.Fingerprint, Path: p.SourcePath}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove file failed", "path", path, "error", err)
	}
}
