package normalizer

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
const Stage = "normalizer"

// Normalizer is the stage-1 processor: raw venue payloads in, canonical
// quality-flagged ticks out. Every tick, duplicate or not, lands in the
// silver table; only first sightings continue downstream.
type Normalizer struct {
	registry  *Registry
	validator *Validator
	dedup     *Deduper
	batcher   *analytic.Batcher
	met       *metrics.Metrics
	now       func() time.Time
}

// New assembles the normalizer processor.
func New(registry *Registry, validator *Validator, dedup *Deduper,
	batcher *analytic.Batcher, met *metrics.Metrics) *Normalizer {
	return &Normalizer{
		registry:  registry,
		validator: validator,
		dedup:     dedup,
		batcher:   batcher,
		met:       met,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process implements runtime.Processor. Unknown venues and payloads that
// cannot yield a canonical tick are poison; batcher acceptance failures are
// transient so the offset is withheld and the delivery retried.
func (n *Normalizer) Process(ctx context.Context, d bus.Delivery) ([]bus.Message, error) {
	var raw model.RawEvent
	if err := d.Envelope.Decode(&raw); err != nil {
		return nil, runtime.Poison("schema_violation", fmt.Errorf("decode raw event: %w", err))
	}

	parser, err := n.registry.Get(raw.Venue)
	if err != nil {
		return nil, runtime.Poison("unknown_venue", err)
	}

	tick, err := parser.Parse(raw.Payload)
	if err != nil {
		return nil, runtime.Poison("schema_violation", err)
	}
	if len(raw.IngestMeta) > 0 {
		if tick.Metadata == nil {
			tick.Metadata = make(map[string]string, len(raw.IngestMeta))
		}
		for k, v := range raw.IngestMeta {
			if _, taken := tick.Metadata[k]; !taken {
				tick.Metadata[k] = v
			}
		}
	}

	if err := n.validator.Validate(&tick, n.now()); err != nil {
		return nil, runtime.Poison("schema_violation", err)
	}

	// Silver write happens for every delivery, duplicates included, and
	// before any duplicate marking: a redelivered tick replaces its row with
	// identical content, keeping the silver set unchanged by replays.
	if err := n.batcher.Accept(analytic.SilverTick(&tick)); err != nil {
		return nil, fmt.Errorf("accept silver tick: %w", err)
	}

	if n.dedup.Seen(tick.IdentityKey()) {
		tick.AddFlag(model.FlagDuplicate)
		n.met.DedupSuppressed.Inc()
		logging.From(ctx).Debug().
			Str("identity", tick.IdentityKey()).
			Msg("duplicate tick suppressed")
		return nil, nil
	}

	return []bus.Message{{
		Topic:    bus.TopicNormalizedTicks,
		TenantID: tick.TenantID,
		Key:      tick.RouteKey(),
		Payload:  tick,
	}}, nil
}
