package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/session"
	"github.com/pavelanni/examscan/internal/watcher"
)

type fakeSink struct {
	mu    sync.Mutex
	paths []string
	errs  map[string]error
}

func (f *fakeSink) AddPage(ctx context.Context, path string, origin model.Origin) (*session.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if origin != model.OriginScanner {
		return nil, errors.New("unexpected origin " + string(origin))
	}
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	f.paths = append(f.paths, path)
	return &session.AddResult{Page: model.Page{Sequence: len(f.paths)}}, nil
}

func TestHandle(t *testing.T) {
	sink := &fakeSink{errs: map[string]error{
		"/in/none.png":   session.ErrNoActiveSession,
		"/in/small.png":  &session.RejectedError{Result: model.ValidationResult{Flags: model.Flags{model.FlagLowResolution}}},
		"/in/broken.png": errors.New("disk error"),
	}}

	tests := []struct {
		name string
		ev   watcher.Event
		want string
	}{
		{"added", watcher.Event{Path: "/in/ok.png"}, "added"},
		{"stale", watcher.Event{Path: "/in/stuck.png", Stale: true}, "stale"},
		{"no session", watcher.Event{Path: "/in/none.png"}, "no_session"},
		{"rejected", watcher.Event{Path: "/in/small.png"}, "rejected"},
		{"other error", watcher.Event{Path: "/in/broken.png"}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Handle(context.Background(), tt.ev, sink); got != tt.want {
				t.Errorf("Handle = %q, want %q", got, tt.want)
			}
		})
	}
	if len(sink.paths) != 1 || sink.paths[0] != "/in/ok.png" {
		t.Errorf("sink received %v", sink.paths)
	}
}

func TestRunKeepsOrder(t *testing.T) {
	sink := &fakeSink{}
	events := make(chan watcher.Event, 3)
	for _, p := range []string{"/in/1.png", "/in/2.png", "/in/3.png"} {
		events <- watcher.Event{Path: p}
	}
	close(events)

	if err := Run(context.Background(), events, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"/in/1.png", "/in/2.png", "/in/3.png"}
	if len(sink.paths) != len(want) {
		t.Fatalf("sink received %v", sink.paths)
	}
	for i := range want {
		if sink.paths[i] != want[i] {
			t.Errorf("page %d = %s, want %s", i, sink.paths[i], want[i])
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Run(ctx, make(chan watcher.Event), &fakeSink{}); err != nil {
		t.Errorf("Run = %v", err)
	}
}
