// Package handler serves the operator JSON API over the session manager.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examscan/internal/autoproc"
	"github.com/pavelanni/examscan/internal/geometry"
	appI18n "github.com/pavelanni/examscan/internal/i18n"
	"github.com/pavelanni/examscan/internal/metrics"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/session"
)

// DefaultMaxUpload caps a single uploaded image.
const DefaultMaxUpload = 25 << 20

// Manager is the part of *session.Manager the API drives.
type Manager interface {
	Open() (*model.Session, error)
	Status() model.Status
	Page(seq int) (model.Page, error)
	AddPageBytes(ctx context.Context, name string, data []byte, origin model.Origin) (*session.AddResult, error)
	RemovePage(seq int) error
	MovePage(from, to int) error
	SetMetadata(meta model.ExamMetadata) (model.ExamMetadata, error)
	Complete(ctx context.Context) (*model.Session, error)
	AutoCheck(ctx context.Context, seq int) (*session.CheckResult, error)
	ApplyEdits(ctx context.Context, seq int, e autoproc.Edits) (model.Page, error)
	Split(ctx context.Context, seq int, rects [2]geometry.DisplayRect, display geometry.Size) ([]model.Page, error)
	AutoSplit(ctx context.Context, seq int) ([]model.Page, error)
}

// History lists finished answer copies. *store.Store implements it.
type History interface {
	ListSessions(state model.SessionState) ([]model.Session, error)
}

// Config holds HTTP-layer settings.
type Config struct {
	MaxUpload    int64
	OperatorUser string
	// OperatorPasswordHash is a bcrypt hash; empty disables authentication.
	OperatorPasswordHash string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	mgr     Manager
	history History
	config  Config
}

// New creates a new Handler.
func New(m Manager, hist History, cfg Config) *Handler {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	if cfg.OperatorUser == "" {
		cfg.OperatorUser = "operator"
	}
	return &Handler{mgr: m, history: hist, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(h.requireOperator)
		api.Get("/status", h.handleStatus)
		api.Get("/sessions", h.handleHistory)
		api.Post("/session", h.handleOpen)
		api.Put("/session/metadata", h.handleMetadata)
		api.Post("/session/complete", h.handleComplete)
		api.Post("/pages", h.handleUpload)
		api.Get("/pages/{seq}/image", h.handlePageImage)
		api.Delete("/pages/{seq}", h.handleRemove)
		api.Post("/pages/{seq}/move", h.handleMove)
		api.Post("/pages/{seq}/autocheck", h.handleAutoCheck)
		api.Post("/pages/{seq}/edits", h.handleEdits)
		api.Post("/pages/{seq}/split", h.handleSplit)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	model.Status
	Summary string `json:"summary"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.mgr.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  st,
		Summary: appI18n.PageSummary(r.Context(), len(st.Pages)),
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.history.ListSessions(model.SessionCompleted)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.Open()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var meta model.ExamMetadata
	if !decodeBody(w, r, &meta) {
		return
	}
	got, err := h.mgr.SetMetadata(meta)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type completeResponse struct {
	Session *model.Session `json:"session"`
	Message string         `json:"message"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.Complete(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		Session: sess,
		Message: appI18n.Td(r.Context(), "CopyCompleted", map[string]any{"File": filepath.Base(sess.PDFPath)}),
	})
}

type uploadResponse struct {
	*session.AddResult
	Messages []string `json:"messages,omitempty"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUpload)
	if err := r.ParseMultipartForm(h.config.MaxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", appI18n.T(r.Context(), "ErrTooLarge"))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
		return
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		slog.Info("upload is not an image", "name", header.Filename, "mime", mt.String())
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media", appI18n.T(r.Context(), "ErrUnsupportedMedia"))
		return
	}

	res, err := h.mgr.AddPageBytes(r.Context(), header.Filename, data, model.OriginUpload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		AddResult: res,
		Messages:  appI18n.FlagMessages(r.Context(), res.Validation.Flags),
	})
}

func (h *Handler) handlePageImage(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.seqParam(w, r)
	if !ok {
		return
	}
	p, err := h.mgr.Page(seq)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, p.SourcePath)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.seqParam(w, r)
	if !ok {
		return
	}
	if err := h.mgr.RemovePage(seq); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.Status())
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.seqParam(w, r)
	if !ok {
		return
	}
	var body struct {
		To int `json:"to"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.mgr.MovePage(seq, body.To); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.Status())
}

func (h *Handler) handleAutoCheck(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.seqParam(w, r)
	if !ok {
		return
	}
	res, err := h.mgr.AutoCheck(r.Context(), seq)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleEdits(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.seqParam(w, r)
	if !ok {
		return
	}
	var e autoproc.Edits
	if !decodeBody(w, r, &e) {
		return
	}
	p, err := h.mgr.ApplyEdits(r.Context(), seq, e)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type splitRequest struct {
	Rects   []geometry.DisplayRect `json:"rects"`
	Display geometry.Size          `json:"display"`
}

// handleSplit splits along the operator's rectangles, or along the detected
// gutter when the body is empty.
func (h *Handler) handleSplit(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.seqParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
		return
	}

	var pages []model.Page
	if len(strings.TrimSpace(string(body))) == 0 {
		pages, err = h.mgr.AutoSplit(r.Context(), seq)
	} else {
		var req splitRequest
		if err := json.Unmarshal(body, &req); err != nil || len(req.Rects) != 2 {
			writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
			return
		}
		pages, err = h.mgr.Split(r.Context(), seq, [2]geometry.DisplayRect{req.Rects[0], req.Rects[1]}, req.Display)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

func (h *Handler) seqParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
		return 0, false
	}
	return seq, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", appI18n.T(r.Context(), "ErrBadRequest"))
		return false
	}
	return true
}
