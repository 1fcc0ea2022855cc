package normalizer

import (
	"time"

	"refinery/internal/lru"
)

// Deduper suppresses exact re-emits of a tick identity across a short
// window. Best-effort and process-local: the analytical sink's replacing
// upsert is the durable defense, this just keeps duplicates off the bus.
type Deduper struct {
	seen   *lru.Cache[struct{}]
	window time.Duration
}

// NewDeduper creates a dedup window of the given capacity and duration.
func NewDeduper(capacity int, window time.Duration) *Deduper {
	return &Deduper{
		seen:   lru.New[struct{}](capacity),
		window: window,
	}
}

// Seen records the identity key and reports whether it was already present
// inside the window.
func (d *Deduper) Seen(identityKey string) bool {
	if _, ok := d.seen.Get(identityKey); ok {
		return true
	}
	d.seen.Add(identityKey, struct{}{}, d.window)
	return false
}
