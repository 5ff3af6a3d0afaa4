package watcher

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pngData(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func paths(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = filepath.Base(e.Path)
	}
	return out
}

func TestScanEmitsSettledFiles(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{Dir: dir, StableFor: time.Second})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	writeFile(t, filepath.Join(dir, "scan-001.png"), pngData(t))
	if got := w.Scan(t0); len(got) != 0 {
		t.Fatalf("first sighting emitted %v", paths(got))
	}
	if got := w.Scan(t0.Add(500 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("emitted before StableFor: %v", paths(got))
	}
	got := w.Scan(t0.Add(time.Second))
	if len(got) != 1 || filepath.Base(got[0].Path) != "scan-001.png" || got[0].Stale || got[0].Size == 0 {
		t.Fatalf("events = %+v", got)
	}
	if !got[0].DetectedAt.Equal(t0) {
		t.Errorf("DetectedAt = %v, want %v", got[0].DetectedAt, t0)
	}

	// At most once.
	if again := w.Scan(t0.Add(5 * time.Second)); len(again) != 0 {
		t.Errorf("file emitted twice: %v", paths(again))
	}
}

func TestScanWaitsForGrowingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.png")
	data := pngData(t)
	w := New(Options{Dir: dir, StableFor: time.Second})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	writeFile(t, path, data[:10])
	w.Scan(t0)
	writeFile(t, path, data)
	if got := w.Scan(t0.Add(2 * time.Second)); len(got) != 0 {
		t.Fatalf("emitted while growing: %v", paths(got))
	}
	if got := w.Scan(t0.Add(3 * time.Second)); len(got) != 1 {
		t.Fatalf("expected one event after settling, got %v", paths(got))
	}
}

func TestScanStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stuck.png")
	w := New(Options{Dir: dir, StableFor: time.Second, StaleAfter: 10 * time.Second})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	// Zero bytes never counts as settled.
	writeFile(t, path, nil)
	w.Scan(t0)
	if got := w.Scan(t0.Add(5 * time.Second)); len(got) != 0 {
		t.Fatalf("empty file emitted: %v", paths(got))
	}
	got := w.Scan(t0.Add(10 * time.Second))
	if len(got) != 1 || !got[0].Stale {
		t.Fatalf("events = %+v, want one stale event", got)
	}
	if again := w.Scan(t0.Add(20 * time.Second)); len(again) != 0 {
		t.Errorf("stale file reported twice")
	}
}

func TestNewStableForDefaults(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want time.Duration
	}{
		{"zero follows default interval", Options{}, 2 * time.Second},
		{"zero follows interval", Options{Interval: 5 * time.Second}, 5 * time.Second},
		{"negative follows interval", Options{Interval: time.Second, StableFor: -time.Second}, time.Second},
		{"explicit kept", Options{Interval: time.Second, StableFor: 300 * time.Millisecond}, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.opts).opts.StableFor; got != tt.want {
				t.Errorf("StableFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanZeroStableForWaitsAnInterval(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "half-written.png"), pngData(t))
	w := New(Options{Dir: dir, Interval: 2 * time.Second})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	w.Scan(t0)
	if got := w.Scan(t0.Add(500 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("emitted after half an interval: %v", paths(got))
	}
	if got := w.Scan(t0.Add(2 * time.Second)); len(got) != 1 {
		t.Errorf("expected emission after one interval, got %v", paths(got))
	}
}

func TestScanIgnores(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".hidden.png", "scan.png.part", "scan~", "notes.txt"} {
		data := pngData(t)
		if name == "notes.txt" {
			data = []byte("plain text, not an image")
		}
		writeFile(t, filepath.Join(dir, name), data)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	w := New(Options{Dir: dir})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	w.Scan(t0)
	if got := w.Scan(t0.Add(time.Minute)); len(got) != 0 {
		t.Errorf("expected nothing, got %v", paths(got))
	}
}

func TestScanForgetsRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.png")
	w := New(Options{Dir: dir, StableFor: time.Second})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	writeFile(t, path, pngData(t))
	w.Scan(t0)
	if got := w.Scan(t0.Add(time.Second)); len(got) != 1 {
		t.Fatalf("expected first emission, got %v", paths(got))
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.Scan(t0.Add(2 * time.Second))

	writeFile(t, path, pngData(t))
	w.Scan(t0.Add(3 * time.Second))
	if got := w.Scan(t0.Add(4 * time.Second)); len(got) != 1 {
		t.Errorf("recreated file not emitted again: %v", paths(got))
	}
}

func TestScanOrder(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{Dir: dir, StableFor: 2 * time.Second})
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	writeFile(t, filepath.Join(dir, "b.png"), pngData(t))
	w.Scan(t0)
	writeFile(t, filepath.Join(dir, "a.png"), pngData(t))
	writeFile(t, filepath.Join(dir, "c.png"), pngData(t))
	w.Scan(t0.Add(time.Second))

	got := paths(w.Scan(t0.Add(3 * time.Second)))
	want := []string{"b.png", "a.png", "c.png"}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestIgnored(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"scan.jpg", false},
		{".DS_Store", true},
		{"scan.jpg.tmp", true},
		{"scan.JPG.PART", true},
		{"scan.jpg~", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ignored(tt.name); got != tt.want {
				t.Errorf("Ignored(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{Dir: dir, Interval: 20 * time.Millisecond, StableFor: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 4)
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, out) }()

	writeFile(t, filepath.Join(dir, "scan.png"), pngData(t))

	select {
	case ev := <-out:
		if filepath.Base(ev.Path) != "scan.png" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
