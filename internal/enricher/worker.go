package enricher

import (
	"context"
	"errors"
	"fmt"

	"refinery/internal/bus"
	"refinery/internal/logging"
	"refinery/internal/model"
	"refinery/internal/refstore"
	"refinery/internal/runtime"
	"refinery/internal/store/analytic"
)

// Stage is the worker stage name used in metrics, status events, and the
// dead-letter topic.
const Stage = "enricher"

// Enricher is the stage-2 processor: normalized ticks in, taxonomy-classified
// gold ticks out. Reference lookup trouble never stalls the stage; ticks pass
// through flagged MISSING_METADATA instead.
type Enricher struct {
	cache   *refstore.Layered
	rules   *RuleSet
	batcher *analytic.Batcher
}

// New assembles the enricher processor. Cache-layer metrics hang off the
// Layered cache's hooks, not this type.
func New(cache *refstore.Layered, rules *RuleSet, batcher *analytic.Batcher) *Enricher {
	return &Enricher{cache: cache, rules: rules, batcher: batcher}
}

// Process implements runtime.Processor.
func (e *Enricher) Process(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var tick model.Tick
	if err := d.Envelope.Decode(&tick); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode tick: %w", err))
	}
	if tick.InstrumentID == "" {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("tick without instrument_id"))
	}

	enriched := e.Enrich(ctx, tick)

	if err := e.batcher.Accept(analytic.EnrichedTick(&enriched)); err != nil {
		return nil, fmt.Errorf("accept enriched tick: %w", err)
	}
	return []bus.Message{{
		Topic:    bus.TopicEnrichedTicks,
		TenantID: enriched.TenantID,
		Key:      enriched.RouteKey(),
		Payload:  enriched,
	}}, nil
}

// Enrich resolves the reference record and classifies the tick.
// Deterministic given a frozen reference snapshot and rule set: lookup
// misses, quarantined keys, and transient store errors all degrade to the
// unclassified pass-through rather than surfacing to the consumer.
func (e *Enricher) Enrich(ctx context.Context, tick model.Tick) model.EnrichedTick {
	rec, err := e.cache.Resolve(ctx, tick.InstrumentID)
	if err != nil {
		if !errors.Is(err, refstore.ErrNotFound) {
			logging.From(ctx).Warn().Err(err).
				Str("instrument", tick.InstrumentID).
				Msg("reference lookup degraded; passing through unclassified")
		}
		return model.Unclassified(tick)
	}

	cls := e.rules.Classify(&tick, rec)
	tick.FinalizeFlags()
	return model.EnrichedTick{
		Tick:          tick,
		CommodityTier: cls.CommodityTier,
		RegionTier:    cls.RegionTier,
		ProductTier:   cls.ProductTier,
		Confidence:    cls.Confidence,
	}
}
