// Package watcher reports image files that appear in a scanner output
// folder once they have stopped changing.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"

	"github.com/pavelanni/examscan/internal/metrics"
)

// Event is one file ready for ingestion, or one that never settled.
type Event struct {
	Path       string
	Size       int64
	Stale      bool
	DetectedAt time.Time
}

// Options configures a Watcher.
type Options struct {
	Dir        string
	Interval   time.Duration // poll period
	StableFor  time.Duration // size and mtime must hold this long
	StaleAfter time.Duration // give up on files still changing after this; 0 disables

	// Accept filters settled files. Nil means any file whose content sniffs
	// as an image.
	Accept func(path string) bool
}

type candidate struct {
	size  int64
	mod   time.Time
	first time.Time
	since time.Time
}

// Watcher tracks the folder between polls. Each path is reported at most
// once until it disappears.
type Watcher struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*candidate
	done    map[string]bool
}

// New returns a Watcher with defaults filled in. A file must hold still for
// at least one poll interval, so StableFor is never shorter than Interval
// unless set explicitly.
func New(opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.StableFor <= 0 {
		opts.StableFor = opts.Interval
	}
	if opts.Accept == nil {
		opts.Accept = IsImage
	}
	return &Watcher{
		opts:    opts,
		pending: make(map[string]*candidate),
		done:    make(map[string]bool),
	}
}

// Run polls the folder until ctx is done and sends events to out. Directory
// notifications trigger an early poll. Run may be called again after it
// returns; already reported files stay reported.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}

	var notify <-chan fsnotify.Event
	var notifyErr <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsw.Close()
		if err := fsw.Add(w.opts.Dir); err != nil {
			slog.Warn("fsnotify unavailable, polling only", "dir", w.opts.Dir, "error", err)
		} else {
			notify, notifyErr = fsw.Events, fsw.Errors
		}
	} else {
		slog.Warn("fsnotify unavailable, polling only", "error", err)
	}

	slog.Info("watching scanner folder", "dir", w.opts.Dir, "interval", w.opts.Interval)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		for _, ev := range w.Scan(time.Now()) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			slog.Debug("folder event", "op", ev.Op.String(), "path", ev.Name)
		case err, ok := <-notifyErr:
			if !ok {
				notifyErr = nil
				continue
			}
			slog.Warn("fsnotify error", "error", err)
		}
	}
}

// Scan takes one observation of the folder at time now and returns the
// events that became due, ordered by first sighting then path.
func (w *Watcher) Scan(now time.Time) []Event {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		slog.Warn("read watch dir failed", "dir", w.opts.Dir, "error", err)
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	present := make(map[string]bool, len(entries))
	var ready []Event
	for _, e := range entries {
		if e.IsDir() || Ignored(e.Name()) {
			continue
		}
		path := filepath.Join(w.opts.Dir, e.Name())
		present[path] = true
		if w.done[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		c, ok := w.pending[path]
		if !ok {
			w.pending[path] = &candidate{size: info.Size(), mod: info.ModTime(), first: now, since: now}
			continue
		}
		if c.size != info.Size() || !c.mod.Equal(info.ModTime()) {
			c.size, c.mod, c.since = info.Size(), info.ModTime(), now
		}

		switch {
		case c.size > 0 && now.Sub(c.since) >= w.opts.StableFor && now.After(c.first):
			w.finish(path)
			if !w.opts.Accept(path) {
				metrics.IncWatcher("ignored")
				slog.Info("ignoring non-image file", "path", path)
				continue
			}
			metrics.IncWatcher("ready")
			ready = append(ready, Event{Path: path, Size: c.size, DetectedAt: c.first})
		case w.opts.StaleAfter > 0 && now.Sub(c.first) >= w.opts.StaleAfter:
			w.finish(path)
			metrics.IncWatcher("stale")
			slog.Warn("file never settled", "path", path, "size", c.size, "waited", now.Sub(c.first))
			ready = append(ready, Event{Path: path, Size: c.size, Stale: true, DetectedAt: c.first})
		}
	}

	for path := range w.pending {
		if !present[path] {
			delete(w.pending, path)
		}
	}
	for path := range w.done {
		if !present[path] {
			delete(w.done, path)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].DetectedAt.Equal(ready[j].DetectedAt) {
			return ready[i].DetectedAt.Before(ready[j].DetectedAt)
		}
		return ready[i].Path < ready[j].Path
	})
	return ready
}

func (w *Watcher) finish(path string) {
	delete(w.pending, path)
	w.done[path] = true
}

// Ignored reports names of hidden and partially downloaded files.
func Ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range []string{"~", ".part", ".tmp", ".crdownload"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			return true
		}
	}
	return false
}

// IsImage sniffs the file content.
func IsImage(path string) bool {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt.String(), "image/")
}
