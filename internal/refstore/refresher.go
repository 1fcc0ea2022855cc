package refstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Refresher is the single owner of cache eviction: a periodic sweep asks
// the store which instruments changed since the last sweep and invalidates
// their cached snapshots. Explicit invalidation requests arrive on the same
// loop so readers never race a mutating goroutine.
type Refresher struct {
	cache    *Layered
	client   *Client
	interval time.Duration
	log      zerolog.Logger

	requests chan string
}

// NewRefresher creates a refresher; Run must be started by the caller.
func NewRefresher(cache *Layered, client *Client, interval time.Duration, log zerolog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		cache:    cache,
		client:   client,
		interval: interval,
		log:      log,
		requests: make(chan string, 256),
	}
}

// Request asks for one instrument to be invalidated on the owner loop.
func (r *Refresher) Request(instrumentID string) {
	select {
	case r.requests <- instrumentID:
	default:
		// Queue full: the next sweep will catch it via updated_at anyway.
	}
}

// Run loops until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lastSweep := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.requests:
			r.cache.Invalidate(ctx, id)
		case <-ticker.C:
			sweepStart := time.Now().UTC()
			ids, err := r.client.UpdatedSince(ctx, lastSweep)
			if err != nil {
				r.log.Warn().Err(err).Msg("reference refresh sweep failed")
				continue
			}
			for _, id := range ids {
				r.cache.Invalidate(ctx, id)
			}
			if len(ids) > 0 {
				r.log.Info().Int("count", len(ids)).Msg("invalidated updated reference entries")
			}
			lastSweep = sweepStart
		}
	}
}
