// Package projector maintains the served views: latest price per
// (tenant, instrument) and curve snapshots per (tenant, curve, horizon).
// The analytical store is the source of truth; the hot cache converges to it
// under a monotonic write rule, TTL expiry, and a reconciliation sweep.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"refinery/internal/bus"
	"refinery/internal/logging"
	"refinery/internal/metrics"
	"refinery/internal/model"
	"refinery/internal/runtime"
	"refinery/internal/store/analytic"
	"refinery/internal/store/hotcache"
)

// Stage is the worker stage name used in metrics, status events, and the
// dead-letter topic.
const Stage = "projector"

// Projector is the stage-4 processor. Inputs: bar events, curve updates,
// invalidations, backfill requests.
type Projector struct {
	cache   *hotcache.Cache
	writer  *hotcache.BufferedWriter
	db      *analytic.DB
	batcher *analytic.Batcher
	met     *metrics.Metrics
	ttl     time.Duration
	now     func() time.Time
}

// New assembles the projector processor.
func New(cache *hotcache.Cache, writer *hotcache.BufferedWriter, db *analytic.DB,
	batcher *analytic.Batcher, met *metrics.Metrics, ttl time.Duration) *Projector {
	return &Projector{
		cache:   cache,
		writer:  writer,
		db:      db,
		batcher: batcher,
		met:     met,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process implements runtime.Processor, dispatching on the delivery's topic.
func (p *Projector) Process(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	topic := bus.TopicOf(d.Stream)
	switch {
	case strings.HasPrefix(topic, "aggregated.bars."):
		return p.onBar(ctx, d)
	case topic == bus.TopicCurveUpdates:
		return p.onCurveUpdate(ctx, d)
	case topic == bus.TopicInvalidate:
		return p.onInvalidate(ctx, d)
	case topic == bus.TopicBackfill:
		return p.onBackfill(ctx, d)
	}
	return nil, runtime.Poison("unroutable", fmt.Errorf("unexpected stream %s", d.Stream))
}

// onBar derives a candidate latest price from the bar close and applies the
// monotonic rule: write iff the candidate's event time is newer than the
// stored entry, or no entry exists.
func (p *Projector) onBar(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var bar model.Bar
	if err := d.Envelope.Decode(&bar); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode bar: %w", err))
	}

	candidate := &model.LatestPrice{
		TenantID:     bar.TenantID,
		InstrumentID: bar.InstrumentID,
		Price:        bar.Close,
		Volume:       bar.Volume,
		EventTime:    bar.CloseTime,
		Source:       "bar:" + bar.Interval,
		QualityFlags: bar.QualityFlags,
		SnapshotAt:   p.now(),
	}

	current, err := p.readLatest(ctx, bar.TenantID, bar.InstrumentID)
	if err != nil {
		return nil, err
	}
	if current != nil && !candidate.EventTime.After(current.EventTime) {
		return nil, nil // stale; a replay or an older interval's close
	}

	if err := p.persistLatest(ctx, candidate); err != nil {
		return nil, err
	}
	return []bus.Message{{
		Topic:    bus.TopicLatestPrices,
		TenantID: candidate.TenantID,
		Key:      candidate.RouteKey(),
		Payload:  candidate,
	}}, nil
}

// readLatest reads the current served entry: cache first, analytical store on
// miss or cache trouble. A cache read error degrades to the store, never
// fails the projection.
func (p *Projector) readLatest(ctx context.Context, tenant, instrument string) (*model.LatestPrice, error) {
	key := (&model.LatestPrice{TenantID: tenant, InstrumentID: instrument}).CacheKey()
	raw, found, err := p.cache.Get(ctx, key)
	if err != nil {
		logging.From(ctx).Warn().Err(err).Msg("cache read failed; falling back to store")
	} else if found {
		var cur model.LatestPrice
		if json.Unmarshal(raw, &cur) == nil {
			return &cur, nil
		}
	}
	cur, err := p.db.CurrentLatest(ctx, tenant, instrument)
	if err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	}
	return cur, nil
}

// persistLatest writes the analytical change log and the cache. The two are
// not a transaction: the store write is the truth and the buffered cache
// writer bounds staleness on the cache side.
func (p *Projector) persistLatest(ctx context.Context, lp *model.LatestPrice) error {
	for _, rec := range analytic.LatestPriceChange(lp) {
		if err := p.batcher.Accept(rec); err != nil {
			return fmt.Errorf("accept latest price: %w", err)
		}
	}
	return p.writer.Set(ctx, lp.CacheKey(), lp.JSON(), p.ttl)
}

// onCurveUpdate applies the same monotonic discipline keyed by snapshot_at
// per (tenant, curve, horizon).
func (p *Projector) onCurveUpdate(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var u model.CurveUpdate
	if err := d.Envelope.Decode(&u); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode curve update: %w", err))
	}
	if u.CurveID == "" || u.AsOfDate == "" {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("curve update without curve_id/as_of_date"))
	}

	snap := &model.CurveSnapshot{
		TenantID:      u.TenantID,
		CurveID:       u.CurveID,
		Horizon:       u.AsOfDate,
		Points:        u.Points,
		Interpolation: u.Interpolation,
		SnapshotAt:    u.SnapshotAt,
	}

	current, err := p.readCurve(ctx, snap.TenantID, snap.CurveID, snap.Horizon)
	if err != nil {
		return nil, err
	}
	if current != nil && !snap.SnapshotAt.After(current.SnapshotAt) {
		return nil, nil
	}

	for _, rec := range analytic.CurveSnapshotChange(snap) {
		if err := p.batcher.Accept(rec); err != nil {
			return nil, fmt.Errorf("accept curve snapshot: %w", err)
		}
	}
	return nil, p.writer.Set(ctx, snap.CacheKey(), snap.JSON(), p.ttl)
}

func (p *Projector) readCurve(ctx context.Context, tenant, curveID, horizon string) (*model.CurveSnapshot, error) {
	key := (&model.CurveSnapshot{TenantID: tenant, CurveID: curveID, Horizon: horizon}).CacheKey()
	raw, found, err := p.cache.Get(ctx, key)
	if err != nil {
		logging.From(ctx).Warn().Err(err).Msg("cache read failed; falling back to store")
	} else if found {
		var cur model.CurveSnapshot
		if json.Unmarshal(raw, &cur) == nil {
			return &cur, nil
		}
	}
	cur, err := p.db.CurrentCurve(ctx, tenant, curveID, horizon)
	if err != nil {
		return nil, fmt.Errorf("read curve: %w", err)
	}
	return cur, nil
}

// onInvalidate drops the served entries for one instrument and, when asked,
// rebuilds the latest price from the analytical store. Idempotent:
// re-invalidating reaches the same terminal state.
func (p *Projector) onInvalidate(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var inv model.Invalidation
	if err := d.Envelope.Decode(&inv); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode invalidation: %w", err))
	}
	if inv.TenantID == "" || inv.InstrumentID == "" {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("invalidation without tenant/instrument"))
	}

	latestKey := (&model.LatestPrice{TenantID: inv.TenantID, InstrumentID: inv.InstrumentID}).CacheKey()
	if err := p.writer.Delete(ctx, latestKey); err != nil {
		return nil, fmt.Errorf("invalidate latest: %w", err)
	}
	// Curve snapshots keyed by the instrument as curve id, any horizon.
	curvePattern := "served:curve:" + inv.TenantID + ":" + inv.InstrumentID + ":*"
	if _, err := p.cache.DeletePattern(ctx, curvePattern); err != nil {
		return nil, fmt.Errorf("invalidate curves: %w", err)
	}
	logging.From(ctx).Info().
		Str("instrument", inv.InstrumentID).
		Bool("rebuild", inv.Rebuild).
		Msg("served entries invalidated")

	if !inv.Rebuild {
		return nil, nil
	}
	return nil, p.rebuildLatest(ctx, inv.TenantID, inv.InstrumentID)
}

// rebuildLatest repopulates the cache from the analytical current row. A key
// with no analytical row stays absent; the next bar recreates it.
func (p *Projector) rebuildLatest(ctx context.Context, tenant, instrument string) error {
	cur, err := p.db.CurrentLatest(ctx, tenant, instrument)
	if err != nil {
		return fmt.Errorf("rebuild latest: %w", err)
	}
	if cur == nil {
		return nil
	}
	return p.writer.Set(ctx, cur.CacheKey(), cur.JSON(), p.ttl)
}

// onBackfill rebuilds the served entries for one instrument from the store.
func (p *Projector) onBackfill(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var req model.BackfillRequest
	if err := d.Envelope.Decode(&req); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode backfill request: %w", err))
	}
	if req.TenantID == "" || req.InstrumentID == "" {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("backfill request %s without key", req.RequestID))
	}
	return nil, p.rebuildLatest(ctx, req.TenantID, req.InstrumentID)
}
