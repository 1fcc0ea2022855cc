package refstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"refinery/internal/lru"
	"refinery/internal/model"
)

// cached is what both cache layers hold: a record or a negative marker for
// instruments the store does not know.
type cached struct {
	Record   *model.ReferenceRecord `json:"record,omitempty"`
	Negative bool                   `json:"negative,omitempty"`
}

// CacheConfig configures the layered lookup.
type CacheConfig struct {
	LocalCapacity int
	LocalTTL      time.Duration
	SharedTTL     time.Duration
	NegativeTTL   time.Duration

	QuarantineFailures uint32
	QuarantineCooldown time.Duration
}

// Layered resolves reference records through local LRU → shared Redis →
// store, populating both caches on the way back. Store keys that keep
// failing transiently are quarantined behind a per-key breaker for a
// cooldown; quarantined lookups fail fast so ticks pass through flagged
// instead of stalling the stage.
type Layered struct {
	client *Client
	local  *lru.Cache[cached]
	shared *goredis.Client
	cfg    CacheConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	// Metrics hooks (optional, set externally)
	OnHit        func(layer string)
	OnMiss       func(layer string)
	OnQuarantine func()
}

// NewLayered builds the lookup path. shared may be nil (local-only, tests).
func NewLayered(client *Client, shared *goredis.Client, cfg CacheConfig) *Layered {
	if cfg.LocalCapacity <= 0 {
		cfg.LocalCapacity = 10_000
	}
	if cfg.QuarantineFailures == 0 {
		cfg.QuarantineFailures = 5
	}
	if cfg.QuarantineCooldown <= 0 {
		cfg.QuarantineCooldown = 30 * time.Second
	}
	return &Layered{
		client:   client,
		local:    lru.New[cached](cfg.LocalCapacity),
		shared:   shared,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func sharedKey(instrumentID string) string { return "ref:" + instrumentID }

// Resolve returns the reference record for an instrument, or ErrNotFound
// when the store answered negatively (the negative answer is cached with
// the shorter TTL). Transient store errors surface as errors; after the
// configured consecutive failures the key is quarantined and fails fast.
func (l *Layered) Resolve(ctx context.Context, instrumentID string) (*model.ReferenceRecord, error) {
	if c, ok := l.local.Get(instrumentID); ok {
		l.hit("local")
		if c.Negative {
			return nil, ErrNotFound
		}
		return c.Record, nil
	}
	l.miss("local")

	if l.shared != nil {
		raw, err := l.shared.Get(ctx, sharedKey(instrumentID)).Bytes()
		if err == nil {
			var c cached
			if json.Unmarshal(raw, &c) == nil {
				l.hit("shared")
				ttl := l.cfg.LocalTTL
				if c.Negative {
					ttl = l.cfg.NegativeTTL
				}
				l.local.Add(instrumentID, c, ttl)
				if c.Negative {
					return nil, ErrNotFound
				}
				return c.Record, nil
			}
		} else if err != goredis.Nil {
			// Shared cache trouble is not fatal; fall through to the store.
		}
		l.miss("shared")
	}

	out, err := l.breaker(instrumentID).Execute(func() (interface{}, error) {
		rec, err := l.client.Lookup(ctx, instrumentID)
		if errors.Is(err, ErrNotFound) {
			// A definitive answer, not a failure: don't trip the breaker.
			return (*model.ReferenceRecord)(nil), nil
		}
		return rec, err
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		if l.OnQuarantine != nil {
			l.OnQuarantine()
		}
		return nil, fmt.Errorf("reference key %s quarantined: %w", instrumentID, err)
	}
	if err != nil {
		l.miss("store")
		return nil, err
	}

	rec, _ := out.(*model.ReferenceRecord)
	if rec == nil {
		l.store(ctx, instrumentID, cached{Negative: true}, l.cfg.NegativeTTL)
		return nil, ErrNotFound
	}
	l.hit("store")
	l.store(ctx, instrumentID, cached{Record: rec}, l.cfg.LocalTTL)
	return rec, nil
}

// Invalidate evicts an instrument from both layers. Called by the
// refresher, which owns all cache mutation outside the lookup path.
func (l *Layered) Invalidate(ctx context.Context, instrumentID string) {
	l.local.Remove(instrumentID)
	if l.shared != nil {
		l.shared.Del(ctx, sharedKey(instrumentID))
	}
}

func (l *Layered) store(ctx context.Context, instrumentID string, c cached, localTTL time.Duration) {
	l.local.Add(instrumentID, c, localTTL)
	if l.shared == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	ttl := l.cfg.SharedTTL
	if c.Negative {
		ttl = l.cfg.NegativeTTL
	}
	l.shared.Set(ctx, sharedKey(instrumentID), raw, ttl)
}

func (l *Layered) breaker(instrumentID string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cb, ok := l.breakers[instrumentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ref:" + instrumentID,
		Timeout: l.cfg.QuarantineCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= l.cfg.QuarantineFailures
		},
	})
	l.breakers[instrumentID] = cb
	return cb
}

func (l *Layered) hit(layer string) {
	if l.OnHit != nil {
		l.OnHit(layer)
	}
}

func (l *Layered) miss(layer string) {
	if l.OnMiss != nil {
		l.OnMiss(layer)
	}
}
