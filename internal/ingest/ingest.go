// Package ingest feeds settled scanner files into the open answer copy, one
// at a time and in the order the watcher reported them.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pavelanni/examscan/internal/metrics"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/session"
	"github.com/pavelanni/examscan/internal/watcher"
)

// Sink receives scanner pages. *session.Manager implements it.
type Sink interface {
	AddPage(ctx context.Context, path string, origin model.Origin) (*session.AddResult, error)
}

// Run consumes events until ctx is done or events is closed. Per-file
// failures are logged and counted; they never stop the loop.
func Run(ctx context.Context, events <-chan watcher.Event, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			Handle(ctx, ev, sink)
		}
	}
}

// Handle ingests one event and returns the outcome label it recorded.
func Handle(ctx context.Context, ev watcher.Event, sink Sink) string {
	result := handle(ctx, ev, sink)
	metrics.IncIngest(result)
	return result
}

func handle(ctx context.Context, ev watcher.Event, sink Sink) string {
	if ev.Stale {
		slog.Warn("skipping incomplete scanner file", "path", ev.Path, "size", ev.Size)
		return "stale"
	}

	res, err := sink.AddPage(ctx, ev.Path, model.OriginScanner)
	var rej *session.RejectedError
	switch {
	case err == nil:
		slog.Info("scanner page ingested", "path", ev.Path, "seq", res.Page.Sequence, "flags", res.Validation.Flags.String())
		return "added"
	case errors.Is(err, session.ErrNoActiveSession):
		slog.Warn("scanner page arrived with no open answer copy", "path", ev.Path)
		return "no_session"
	case errors.As(err, &rej):
		slog.Warn("scanner page rejected", "path", ev.Path, "reason", rej.Result.Reason, "flags", rej.Result.Flags.String())
		return "rejected"
	default:
		slog.Error("ingest scanner page failed", "path", ev.Path, "error", err)
		return "error"
	}
}
