// Package warn provides a rate limiter for recoverable data conditions.
//
// The rendering pipeline treats malformed per-source data (missing audio,
// NaN keyframes, coverage gaps) as recoverable: it falls back locally and
// keeps going. Without a limiter a single pathological source can flood the
// log with one line per block. Limiter restricts that to once per
// (source, condition) pair for the lifetime of a run.
package warn

import "sync"

// Limiter tracks which (source, condition) pairs have already fired.
type Limiter struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{seen: make(map[string]struct{})}
}

// Allow reports whether this is the first time (sourceID, condition) has been
// seen. Subsequent calls with the same pair return false.
func (l *Limiter) Allow(sourceID, condition string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var key = sourceID + "\x00" + condition
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	return true
}

// Reset clears all recorded conditions, allowing every pair to fire once more.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = make(map[string]struct{})
}
