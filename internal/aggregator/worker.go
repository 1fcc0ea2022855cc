package aggregator

import (
	"context"
	"fmt"
	"time"

	"refinery/internal/bus"
	"refinery/internal/logging"
	"refinery/internal/metrics"
	"refinery/internal/model"
	"refinery/internal/runtime"
	"refinery/internal/store/analytic"
)

// Stage is the worker stage name used in metrics, status events, and the
// dead-letter topic.
const Stage = "aggregator"

// Aggregator is the stage-3 processor. Primary consumer: enriched ticks.
// Secondary consumers: external curve updates and backfill requests, routed
// here by topic.
type Aggregator struct {
	engine  *Engine
	curves  *CurveBuilder
	db      *analytic.DB
	batcher *analytic.Batcher
	met     *metrics.Metrics

	synthLabel string // bar interval feeding spot curve points; empty = off
	source     string // own producer source; loop guard on the curve topic
	now        func() time.Time
}

// New assembles the aggregator processor.
func New(engine *Engine, curves *CurveBuilder, db *analytic.DB,
	batcher *analytic.Batcher, met *metrics.Metrics, synthLabel string) *Aggregator {
	return &Aggregator{
		engine:     engine,
		curves:     curves,
		db:         db,
		batcher:    batcher,
		met:        met,
		synthLabel: synthLabel,
		source:     Stage,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process implements runtime.Processor, dispatching on the delivery's topic.
func (a *Aggregator) Process(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	switch bus.TopicOf(d.Stream) {
	case bus.TopicEnrichedTicks:
		return a.onTick(ctx, d)
	case bus.TopicCurveUpdates:
		return a.onCurveUpdate(ctx, d)
	case bus.TopicBackfill:
		return a.onBackfill(ctx, d)
	}
	return nil, runtime.Poison("unroutable", fmt.Errorf("unexpected stream %s", d.Stream))
}

func (a *Aggregator) onTick(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var et model.EnrichedTick
	if err := d.Envelope.Decode(&et); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode enriched tick: %w", err))
	}
	tick := &et.Tick
	now := a.now()

	outcome := a.engine.Observe(tick, now)
	a.met.OpenWindows.Set(float64(a.engine.OpenWindows()))
	if wm := a.engine.Watermark(tick.RouteKey()); !wm.IsZero() {
		a.met.WatermarkDelay.Set(now.Sub(wm).Seconds())
	}

	var msgs []bus.Message
	for _, st := range outcome.Closed {
		bar := st.Bar(1)
		out, err := a.emitBar(ctx, bar)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, out...)
	}
	for _, key := range outcome.Recompute {
		a.met.LateTicks.Inc()
		bar, err := a.recompute(ctx, key, tick)
		if err != nil {
			return nil, err
		}
		a.met.BarRevisions.Inc()
		logging.From(ctx).Info().
			Str("instrument", key.InstrumentID).
			Str("interval", key.Interval.Label()).
			Int64("revision", bar.Revision).
			Msg("closed bar recomputed for late tick")
		out, err := a.emitBar(ctx, bar)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, out...)
	}
	for _, key := range outcome.Skipped {
		a.met.LateTicks.Inc()
		logging.From(ctx).Debug().
			Str("instrument", key.InstrumentID).
			Str("interval", key.Interval.Label()).
			Msg("late tick beyond lookback; silver only")
	}
	return msgs, nil
}

// Sweep closes windows whose grace deadline passed on the wall clock, so a
// single tick with no successors still produces its bar. Runs on the worker
// loop's periodic tick; same goroutine as Process, so the window map needs
// no locking.
func (a *Aggregator) Sweep(ctx context.Context) ([]bus.Message, error) {
	closed := a.engine.CloseDue(a.now())
	if len(closed) == 0 {
		return nil, nil
	}
	var msgs []bus.Message
	for i, st := range closed {
		out, err := a.emitBar(ctx, st.Bar(1))
		if err != nil {
			// Put the unemitted windows back; the next sweep retries them.
			for _, rest := range closed[i:] {
				a.engine.Restore(rest)
			}
			return nil, err
		}
		msgs = append(msgs, out...)
	}
	a.met.OpenWindows.Set(float64(a.engine.OpenWindows()))
	return msgs, nil
}

// emitBar persists one bar and returns its outbound messages, including any
// synthesized curve update.
func (a *Aggregator) emitBar(ctx context.Context, bar *model.Bar) ([]bus.Message, error) {
	if err := a.batcher.Accept(analytic.BarUpsert(bar)); err != nil {
		return nil, fmt.Errorf("accept bar: %w", err)
	}
	msgs := []bus.Message{{
		Topic:    bus.TopicBars(bar.Interval),
		TenantID: bar.TenantID,
		Key:      bar.RouteKey(),
		Payload:  bar,
	}}
	if a.synthLabel != "" && a.synthLabel == bar.Interval {
		update, err := a.applyCurve(ctx, SynthUpdate(bar))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, update...)
	}
	return msgs, nil
}

// recompute rebuilds a closed window from silver, folding in the late tick if
// its silver write has not flushed yet, and continues the revision sequence.
func (a *Aggregator) recompute(ctx context.Context, key model.WindowKey, late *model.Tick) (*model.Bar, error) {
	ticks, err := a.db.SilverRange(ctx, key.TenantID, key.InstrumentID, key.Start(), key.End())
	if err != nil {
		return nil, fmt.Errorf("recompute replay: %w", err)
	}
	st := NewWindowState(key)
	seen := false
	for i := range ticks {
		if ticks[i].IdentityKey() == late.IdentityKey() {
			seen = true
		}
		st.Fold(&ticks[i])
	}
	if !seen {
		st.Fold(late)
	}

	stored, err := a.db.BarAt(ctx, key.TenantID, key.InstrumentID, key.Interval.Label(), key.Start())
	if err != nil {
		return nil, err
	}
	revision := int64(1)
	if stored != nil {
		revision = stored.Revision + 1
	}
	return st.Bar(revision), nil
}

func (a *Aggregator) onCurveUpdate(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	if d.Envelope.Source == a.source {
		// Our own computed re-publication; the projector consumes it, we don't.
		return nil, nil
	}
	var u model.CurveUpdate
	if err := d.Envelope.Decode(&u); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode curve update: %w", err))
	}
	if u.CurveID == "" || u.AsOfDate == "" {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("curve update without curve_id/as_of_date"))
	}
	return a.applyCurve(ctx, &u)
}

// applyCurve runs the builder and republishes the computed curve as a full
// update for the projector.
func (a *Aggregator) applyCurve(ctx context.Context, u *model.CurveUpdate) ([]bus.Message, error) {
	computed, err := a.curves.Apply(ctx, u)
	if err != nil {
		return nil, err
	}
	if computed == nil {
		return nil, nil
	}
	full := &model.CurveUpdate{
		TenantID:      computed.TenantID,
		CurveID:       computed.CurveID,
		AsOfDate:      computed.AsOfDate,
		Points:        computed.Points,
		Full:          true,
		SnapshotAt:    computed.ComputedAt,
		Interpolation: computed.Interpolation,
	}
	return []bus.Message{{
		Topic:    bus.TopicCurveUpdates,
		TenantID: full.TenantID,
		Key:      full.RouteKey(),
		Payload:  full,
	}}, nil
}

func (a *Aggregator) onBackfill(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var req model.BackfillRequest
	if err := d.Envelope.Decode(&req); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode backfill request: %w", err))
	}
	if req.TenantID == "" || req.InstrumentID == "" || !req.To.After(req.From) {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("backfill request %s has empty key or inverted range", req.RequestID))
	}

	ticks, err := a.db.SilverRange(ctx, req.TenantID, req.InstrumentID, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("backfill replay: %w", err)
	}
	logging.From(ctx).Info().
		Str("request", req.RequestID).
		Str("instrument", req.InstrumentID).
		Int("ticks", len(ticks)).
		Msg("backfill replay")

	// Rebuild every window the range touches, off to the side of the live
	// window map.
	rebuilt := make(map[model.WindowKey]*WindowState)
	for i := range ticks {
		for _, iv := range a.engine.cfg.Intervals {
			key := model.NewWindowKey(&ticks[i], iv)
			st, ok := rebuilt[key]
			if !ok {
				st = NewWindowState(key)
				rebuilt[key] = st
			}
			st.Fold(&ticks[i])
		}
	}

	var msgs []bus.Message
	for key, st := range rebuilt {
		stored, err := a.db.BarAt(ctx, key.TenantID, key.InstrumentID, key.Interval.Label(), key.Start())
		if err != nil {
			return nil, err
		}
		revision := int64(1)
		if stored != nil {
			revision = stored.Revision + 1
		}
		bar := st.Bar(revision)
		out, err := a.emitBar(ctx, bar)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, out...)
	}
	return msgs, nil
}

// Restore rebuilds unclosed windows from silver after a restart: every key
// active inside the rebuild horizon is replayed and its still-open windows
// re-registered. Closed windows are left to the store's revision guard.
func (a *Aggregator) Restore(ctx context.Context) error {
	var longest time.Duration
	for _, iv := range a.engine.cfg.Intervals {
		if iv.Duration() > longest {
			longest = iv.Duration()
		}
	}
	now := a.now()
	since := now.Add(-(longest + a.engine.cfg.Grace + a.engine.cfg.MaxOutOfOrder))

	keys, err := a.db.ActiveSilverKeys(ctx, since)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	for _, k := range keys {
		tenant, instrument := k[0], k[1]
		ticks, err := a.db.SilverRange(ctx, tenant, instrument, since, now.Add(time.Hour))
		if err != nil {
			return fmt.Errorf("restore %s/%s: %w", tenant, instrument, err)
		}
		var maxEvent time.Time
		for i := range ticks {
			t := &ticks[i]
			if t.EventTime.After(maxEvent) {
				maxEvent = t.EventTime
			}
			for _, iv := range a.engine.cfg.Intervals {
				key := model.NewWindowKey(t, iv)
				if !now.Before(key.End().Add(a.engine.cfg.Grace)) {
					continue // already past its close point
				}
				st, ok := a.engine.windows[key]
				if !ok {
					st = NewWindowState(key)
					a.engine.Restore(st)
				}
				st.Fold(t)
			}
		}
		if !maxEvent.IsZero() {
			a.engine.AdvanceWatermark(tenant+"|"+instrument, maxEvent.Add(-a.engine.cfg.MaxOutOfOrder))
		}
	}
	a.met.OpenWindows.Set(float64(a.engine.OpenWindows()))
	return nil
}
