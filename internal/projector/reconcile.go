package projector

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"refinery/internal/bus"
	"refinery/internal/metrics"
	"refinery/internal/model"
	"refinery/internal/store/analytic"
	"refinery/internal/store/hotcache"
)

// sweepSampleLimit caps how many served keys one sweep considers before
// sampling.
const sweepSampleLimit = 1000

// DriftEvent reports one repaired projection key.
type DriftEvent struct {
	TenantID     string    `json:"tenant_id"`
	InstrumentID string    `json:"instrument_id"`
	Kind         string    `json:"kind"` // missing | stale
	StoreTime    time.Time `json:"store_event_time"`
	CacheTime    time.Time `json:"cache_event_time,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Reconciler periodically samples served keys, compares cache against the
// analytical current row, and repairs drift. The cache is eventually
// consistent; this bounds the "eventually".
type Reconciler struct {
	db       *analytic.DB
	cache    *hotcache.Cache
	writer   *hotcache.BufferedWriter
	producer *bus.Producer
	met      *metrics.Metrics
	log      zerolog.Logger

	interval   time.Duration
	sampleRate float64
	ttl        time.Duration
	rng        *rand.Rand
}

// NewReconciler creates the sweep; Run must be started by the caller.
func NewReconciler(db *analytic.DB, cache *hotcache.Cache, writer *hotcache.BufferedWriter,
	producer *bus.Producer, met *metrics.Metrics, log zerolog.Logger,
	interval time.Duration, sampleRate float64, ttl time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		db:         db,
		cache:      cache,
		writer:     writer,
		producer:   producer,
		met:        met,
		log:        log,
		interval:   interval,
		sampleRate: sampleRate,
		ttl:        ttl,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Warn().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) error {
	keys, err := r.db.SampleLatestKeys(ctx, sweepSampleLimit)
	if err != nil {
		return err
	}
	repaired := 0
	for _, k := range keys {
		if r.rng.Float64() >= r.sampleRate {
			continue
		}
		r.met.ReconcileChecks.Inc()
		drift, err := r.check(ctx, k[0], k[1])
		if err != nil {
			r.log.Warn().Err(err).Str("instrument", k[1]).Msg("reconcile check failed")
			continue
		}
		if drift != nil {
			repaired++
			r.met.ReconcileDrift.Inc()
			r.emit(ctx, drift)
		}
	}
	if repaired > 0 {
		r.log.Info().Int("repaired", repaired).Msg("reconciliation sweep repaired drift")
	}
	return nil
}

// check compares one key and repairs the cache from the store when they
// disagree. Returns the drift event, or nil when consistent.
func (r *Reconciler) check(ctx context.Context, tenant, instrument string) (*DriftEvent, error) {
	truth, err := r.db.CurrentLatest(ctx, tenant, instrument)
	if err != nil || truth == nil {
		return nil, err
	}

	event := &DriftEvent{
		TenantID:     tenant,
		InstrumentID: instrument,
		StoreTime:    truth.EventTime,
		DetectedAt:   time.Now().UTC(),
	}
	raw, found, err := r.cache.Get(ctx, truth.CacheKey())
	if err != nil {
		return nil, err
	}
	if found {
		var cached model.LatestPrice
		if json.Unmarshal(raw, &cached) == nil {
			if cached.EventTime.Equal(truth.EventTime) {
				return nil, nil
			}
			event.CacheTime = cached.EventTime
		}
		event.Kind = "stale"
	} else {
		event.Kind = "missing"
	}

	if err := r.writer.Set(ctx, truth.CacheKey(), truth.JSON(), r.ttl); err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Reconciler) emit(ctx context.Context, drift *DriftEvent) {
	err := r.producer.Publish(ctx, bus.Message{
		Topic:    bus.TopicReconcileDrift,
		TenantID: drift.TenantID,
		Key:      drift.TenantID + "|" + drift.InstrumentID,
		Payload:  drift,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("drift event publish failed")
	}
}
