// Package dedupe keeps the per-session fingerprint index used to flag
// near-duplicate pages. Duplicates are only detected inside one answer copy;
// an index entry lives exactly as long as the page that owns it.
package dedupe

import (
	"math/bits"
	"slices"
	"sync"
)

// Entry is one accepted page's fingerprint and the path of its stored image.
type Entry struct {
	Fingerprint uint64
	Path        string
}

// Index maps a session id to the fingerprints of its current pages.
type Index struct {
	mu       sync.RWMutex
	sessions map[string][]Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{sessions: make(map[string][]Entry)}
}

// Hamming returns the number of differing bits between two fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Add records e for session. Adding the same path twice replaces the
// earlier fingerprint.
func (ix *Index) Add(session string, e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries := ix.sessions[session]
	if i := slices.IndexFunc(entries, func(x Entry) bool { return x.Path == e.Path }); i >= 0 {
		entries[i] = e
		return
	}
	ix.sessions[session] = append(entries, e)
}

// Entries returns a copy of the session's entries in insertion order.
func (ix *Index) Entries(session string) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.sessions[session])
}

// Len reports how many entries session holds.
func (ix *Index) Len(session string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.sessions[session])
}

// Nearest returns the entry of session closest to fp and its distance.
// ok is false when the session has no entries.
func (ix *Index) Nearest(session string, fp uint64) (e Entry, dist int, ok bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Nearest(ix.sessions[session], fp)
}

// Nearest scans entries for the fingerprint closest to fp. Ties keep the
// earliest entry.
func Nearest(entries []Entry, fp uint64) (Entry, int, bool) {
	if len(entries) == 0 {
		return Entry{}, 0, false
	}
	best, bestDist := entries[0], Hamming(entries[0].Fingerprint, fp)
	for _, e := range entries[1:] {
		if d := Hamming(e.Fingerprint, fp); d < bestDist {
			best, bestDist = e, d
		}
	}
	return best, bestDist, true
}

// Remove deletes the entry for path and reports whether it existed.
func (ix *Index) Remove(session, path string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries := ix.sessions[session]
	i := slices.IndexFunc(entries, func(x Entry) bool { return x.Path == path })
	if i < 0 {
		return false
	}
	ix.sessions[session] = slices.Delete(entries, i, i+1)
	return true
}

// Clear drops every entry of session.
func (ix *Index) Clear(session string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.sessions, session)
}
