package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/examscan/internal/autoproc"
	"github.com/pavelanni/examscan/internal/geometry"
	appI18n "github.com/pavelanni/examscan/internal/i18n"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/session"
)

type errorBody struct {
	Error    string      `json:"error"`
	Code     string      `json:"code"`
	Flags    model.Flags `json:"flags,omitempty"`
	Messages []string    `json:"messages,omitempty"`
	Missing  []string    `json:"missing,omitempty"`
}

// fail maps a manager error to a status code and a localized body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var rej *session.RejectedError
	if errors.As(err, &rej) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:    appI18n.T(ctx, "ErrRejected"),
			Code:     "rejected",
			Flags:    rej.Result.Flags,
			Messages: appI18n.FlagMessages(ctx, rej.Result.Flags),
		})
		return
	}
	var me *session.MetadataError
	if errors.As(err, &me) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   appI18n.Td(ctx, "ErrIncompleteMetadata", map[string]any{"Fields": strings.Join(me.Missing, ", ")}),
			Code:    "incomplete_metadata",
			Missing: me.Missing,
		})
		return
	}
	var ee *session.EmissionError
	if errors.As(err, &ee) {
		writeError(w, http.StatusBadGateway, "emission_failed", appI18n.T(ctx, "ErrEmission"))
		return
	}

	mapping := []struct {
		target error
		status int
		code   string
		msgID  string
	}{
		{session.ErrNoActiveSession, http.StatusConflict, "no_active_session", "ErrNoActiveSession"},
		{session.ErrAlreadyActive, http.StatusConflict, "already_active", "ErrAlreadyActive"},
		{session.ErrPageBusy, http.StatusConflict, "page_busy", "ErrPageBusy"},
		{session.ErrNotFound, http.StatusNotFound, "not_found", "ErrNotFound"},
		{session.ErrNoPages, http.StatusUnprocessableEntity, "no_pages", "ErrNoPages"},
		{session.ErrNoSpread, http.StatusUnprocessableEntity, "no_spread", "ErrNoSpread"},
		{session.ErrInvalidMetadata, http.StatusBadRequest, "invalid_metadata", "ErrInvalidMetadata"},
		{geometry.ErrInvalidGeometry, http.StatusBadRequest, "invalid_geometry", "ErrInvalidGeometry"},
		{autoproc.ErrInvalidEdit, http.StatusBadRequest, "invalid_edit", "ErrInvalidEdit"},
	}
	for _, m := range mapping {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, appI18n.T(ctx, m.msgID))
			return
		}
	}

	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", appI18n.T(ctx, "ErrInternal"))
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}
