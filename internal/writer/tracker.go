package writer

import (
	"sync"
	"time"
)

// tracker remembers keys for a fixed time. The scheduler keeps one for
// devices it polled, one for properties with a write in progress and one for
// accepted writes awaiting confirmation.
type tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newTracker(ttl time.Duration) *tracker {
	return &tracker{ttl: ttl, entries: make(map[string]time.Time)}
}

// active reports whether key was marked less than ttl before now.
func (t *tracker) active(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.entries[key]
	return ok && now.Sub(at) < t.ttl
}

// claim marks key unless it is already active, and reports whether it did.
func (t *tracker) claim(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.entries[key]; ok && now.Sub(at) < t.ttl {
		return false
	}
	t.entries[key] = now
	return true
}

// mark records key at now, replacing any earlier entry.
func (t *tracker) mark(key string, now time.Time) {
	t.mu.Lock()
	t.entries[key] = now
	t.mu.Unlock()
}

func (t *tracker) forget(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// prune drops expired entries.
func (t *tracker) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, at := range t.entries {
		if now.Sub(at) >= t.ttl {
			delete(t.entries, key)
		}
	}
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
