package hotcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// pendingWrite is a cache write deferred while the breaker was open.
type pendingWrite struct {
	key   string
	value []byte
	ttl   time.Duration
}

// BufferedWriter wraps a Cache with a circuit breaker. While the breaker is
// open, writes are buffered locally and replayed when it closes again; a
// cache write failure therefore degrades to bounded staleness instead of
// failing the projection. The analytical write remains the source of truth.
type BufferedWriter struct {
	cache *Cache
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Metrics hooks (optional, set externally)
	OnBuffer func()
	OnFlush  func(count int)
	OnState  func(state gobreaker.State)
}

// BufferedWriterConfig tunes the breaker and the local buffer.
type BufferedWriterConfig struct {
	MaxBuffer    int
	MaxFailures  uint32
	OpenInterval time.Duration
}

// NewBufferedWriter creates a breaker-guarded cache writer.
func NewBufferedWriter(cache *Cache, cfg BufferedWriterConfig, log zerolog.Logger) *BufferedWriter {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10_000
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = 10 * time.Second
	}
	bw := &BufferedWriter{
		cache:  cache,
		log:    log,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: cfg.MaxBuffer,
	}
	bw.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hotcache",
		Timeout: cfg.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("cache breaker state change")
			if bw.OnState != nil {
				bw.OnState(to)
			}
			if to == gobreaker.StateClosed {
				go bw.flush()
			}
		},
	})
	return bw
}

// Set writes through the breaker. Open-breaker writes are buffered, not
// lost; latest-write-wins replay keeps the cache monotone enough because
// the analytical read-through repairs any residual staleness.
func (bw *BufferedWriter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := bw.cb.Execute(func() (interface{}, error) {
		return nil, bw.cache.Set(ctx, key, value, ttl)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		bw.bufferWrite(key, value, ttl)
		return nil
	}
	if err != nil {
		// Counted by the breaker; buffer it for background retry too.
		bw.bufferWrite(key, value, ttl)
		return nil
	}
	return nil
}

// Delete goes through the breaker without buffering: a missed delete is
// repaired by TTL expiry or the reconciliation sweep.
func (bw *BufferedWriter) Delete(ctx context.Context, keys ...string) error {
	_, err := bw.cb.Execute(func() (interface{}, error) {
		return nil, bw.cache.Delete(ctx, keys...)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil
	}
	return err
}

// State returns the current breaker state.
func (bw *BufferedWriter) State() gobreaker.State { return bw.cb.State() }

// PendingCount returns buffered writes awaiting replay.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BufferedWriter) bufferWrite(key string, value []byte, ttl time.Duration) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:] // drop oldest
	}
	bw.buffer = append(bw.buffer, pendingWrite{key: key, value: value, ttl: ttl})
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, pw := range toFlush {
		if err := bw.cache.Set(ctx, pw.key, pw.value, pw.ttl); err != nil {
			bw.log.Warn().Err(err).Str("key", pw.key).Msg("buffered cache replay failed")
		}
	}
	bw.log.Info().Int("count", len(toFlush)).Msg("flushed buffered cache writes")
	if bw.OnFlush != nil {
		bw.OnFlush(len(toFlush))
	}
}
