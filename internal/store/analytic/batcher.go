package analytic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"refinery/internal/model"
)

// Record is one buffered write: an unbound (?-style) statement plus args.
// The batcher rebinds per driver and executes the whole batch in one
// transaction.
type Record struct {
	Query string
	Args  []any
}

// BatcherConfig configures flush triggers.
type BatcherConfig struct {
	MaxSize     int           // flush when this many records are queued
	MaxInterval time.Duration // flush at least this often
	OnFlush     func(n int, took time.Duration)
}

// Batcher is the single-writer queue in front of the analytical store.
// Accept enqueues; a background flusher commits on size threshold, time
// threshold, or explicit Flush (shutdown). Duplicate deliveries are absorbed
// by the upsert statements, so replaying a batch is idempotent.
type Batcher struct {
	db  *DB
	cfg BatcherConfig
	log zerolog.Logger

	mu      sync.Mutex
	queue   []Record
	closed  bool
	trigger chan struct{}
	done    chan struct{}
}

// NewBatcher starts the background flusher.
func NewBatcher(db *DB, cfg BatcherConfig, log zerolog.Logger) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 500
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 200 * time.Millisecond
	}
	b := &Batcher{
		db:      db,
		cfg:     cfg,
		log:     log,
		queue:   make([]Record, 0, cfg.MaxSize),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Accept queues a record. Acceptance is the analytical half of the commit
// discipline: once Accept returns nil the record will reach the store (or
// the worker will not commit the offset).
func (b *Batcher) Accept(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("analytic batcher closed")
	}
	b.queue = append(b.queue, rec)
	if len(b.queue) >= b.cfg.MaxSize {
		select {
		case b.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the current queue depth (backpressure input).
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush synchronously commits everything queued so far.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx)
}

// Close flushes and stops the background flusher.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.flush(ctx)
}

func (b *Batcher) flushLoop() {
	ticker := time.NewTicker(b.cfg.MaxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-b.trigger:
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.flush(ctx); err != nil {
			b.log.Error().Err(err).Msg("analytic flush failed; batch requeued")
		}
		cancel()
	}
}

// flush commits the queued records in one transaction. On failure the batch
// is put back at the head of the queue so nothing is lost; the next cycle
// retries.
func (b *Batcher) flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.queue
	b.queue = make([]Record, 0, b.cfg.MaxSize)
	b.mu.Unlock()

	start := time.Now()
	err := func() error {
		tx, err := b.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		for _, rec := range batch {
			if _, err := tx.ExecContext(ctx, b.db.Rebind(rec.Query), rec.Args...); err != nil {
				return fmt.Errorf("exec: %w", err)
			}
		}
		return tx.Commit()
	}()
	if err != nil {
		b.mu.Lock()
		b.queue = append(batch, b.queue...)
		b.mu.Unlock()
		return err
	}
	if b.cfg.OnFlush != nil {
		b.cfg.OnFlush(len(batch), time.Since(start))
	}
	return nil
}

// Statement builders. All use ? bindvars; the batcher rebinds per driver.

func flagsJSON(flags []model.QualityFlag) string {
	b, _ := json.Marshal(flags)
	return string(b)
}

// SilverTick upserts a canonical tick into silver_ticks. Replaying the same
// identity replaces the row, which makes duplicate delivery idempotent.
func SilverTick(t *model.Tick) Record {
	meta, _ := json.Marshal(t.Metadata)
	return Record{
		Query: `INSERT INTO silver_ticks
			(tenant_id, instrument_id, event_time_ms, source_id, price, volume, quality_flags, metadata, ingested_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, instrument_id, event_time_ms, source_id)
			DO UPDATE SET price = excluded.price, volume = excluded.volume,
				quality_flags = excluded.quality_flags, metadata = excluded.metadata,
				ingested_at_ms = excluded.ingested_at_ms`,
		Args: []any{t.TenantID, t.InstrumentID, ms(t.EventTime), t.SourceID,
			t.Price, t.Volume, flagsJSON(t.QualityFlags), string(meta), time.Now().UnixMilli()},
	}
}

// EnrichedTick upserts an enriched tick into enriched_ticks.
func EnrichedTick(e *model.EnrichedTick) Record {
	return Record{
		Query: `INSERT INTO enriched_ticks
			(tenant_id, instrument_id, event_time_ms, source_id, price, volume, quality_flags,
			 commodity_tier, region_tier, product_tier, confidence, ingested_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, instrument_id, event_time_ms, source_id)
			DO UPDATE SET price = excluded.price, volume = excluded.volume,
				quality_flags = excluded.quality_flags,
				commodity_tier = excluded.commodity_tier, region_tier = excluded.region_tier,
				product_tier = excluded.product_tier, confidence = excluded.confidence,
				ingested_at_ms = excluded.ingested_at_ms`,
		Args: []any{e.TenantID, e.InstrumentID, ms(e.EventTime), e.SourceID,
			e.Price, e.Volume, flagsJSON(e.QualityFlags),
			e.CommodityTier, e.RegionTier, e.ProductTier, e.Confidence, time.Now().UnixMilli()},
	}
}

// BarUpsert upserts a bar by window key. Revision only moves forward: a
// redelivered older revision never clobbers a recomputed bar.
func BarUpsert(b *model.Bar) Record {
	return Record{
		Query: fmt.Sprintf(`INSERT INTO %s
			(tenant_id, instrument_id, window_start_ms, open, high, low, close, volume,
			 trade_count, open_time_ms, close_time_ms, revision)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, instrument_id, window_start_ms)
			DO UPDATE SET open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume,
				trade_count = excluded.trade_count, open_time_ms = excluded.open_time_ms,
				close_time_ms = excluded.close_time_ms, revision = excluded.revision
			WHERE excluded.revision > %s.revision`, BarsTable(b.Interval), BarsTable(b.Interval)),
		Args: []any{b.TenantID, b.InstrumentID, ms(b.WindowStart),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount,
			ms(b.OpenTime), ms(b.CloseTime), b.Revision},
	}
}

// CurvePointUpsert writes one base curve point; latest write wins per tenor.
func CurvePointUpsert(u *model.CurveUpdate, p model.CurvePoint) Record {
	return Record{
		Query: `INSERT INTO curves_base
			(tenant_id, curve_id, as_of_date, tenor, tenor_ordinal, price, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, curve_id, as_of_date, tenor)
			DO UPDATE SET tenor_ordinal = excluded.tenor_ordinal, price = excluded.price,
				updated_at_ms = excluded.updated_at_ms`,
		Args: []any{u.TenantID, u.CurveID, u.AsOfDate, p.Tenor, p.TenorOrdinal,
			p.Price, ms(u.SnapshotAt)},
	}
}

// ComputedCurveUpsert writes an interpolated curve.
func ComputedCurveUpsert(c *model.ComputedCurve) Record {
	points, _ := json.Marshal(c.Points)
	return Record{
		Query: `INSERT INTO curves_computed
			(tenant_id, curve_id, as_of_date, points, interpolation, confidence, computed_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, curve_id, as_of_date)
			DO UPDATE SET points = excluded.points, interpolation = excluded.interpolation,
				confidence = excluded.confidence, computed_at_ms = excluded.computed_at_ms`,
		Args: []any{c.TenantID, c.CurveID, c.AsOfDate, string(points),
			c.Interpolation, c.Confidence, ms(c.ComputedAt)},
	}
}

// LatestPriceChange appends to the served change log and upserts the
// current-value table. The monotonic guard repeats in SQL so replays of old
// events cannot move the current row backwards.
func LatestPriceChange(p *model.LatestPrice) []Record {
	return []Record{
		{
			Query: `INSERT INTO served_latest
				(tenant_id, instrument_id, price, volume, event_time_ms, source, quality_flags, snapshot_at_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{p.TenantID, p.InstrumentID, p.Price, p.Volume,
				ms(p.EventTime), p.Source, flagsJSON(p.QualityFlags), ms(p.SnapshotAt)},
		},
		{
			Query: `INSERT INTO served_latest_current
				(tenant_id, instrument_id, price, volume, event_time_ms, source, quality_flags, snapshot_at_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (tenant_id, instrument_id)
				DO UPDATE SET price = excluded.price, volume = excluded.volume,
					event_time_ms = excluded.event_time_ms, source = excluded.source,
					quality_flags = excluded.quality_flags, snapshot_at_ms = excluded.snapshot_at_ms
				WHERE excluded.event_time_ms > served_latest_current.event_time_ms`,
			Args: []any{p.TenantID, p.InstrumentID, p.Price, p.Volume,
				ms(p.EventTime), p.Source, flagsJSON(p.QualityFlags), ms(p.SnapshotAt)},
		},
	}
}

// CurveSnapshotChange appends to the curve change log and upserts the
// current-value table, monotonic in snapshot_at.
func CurveSnapshotChange(s *model.CurveSnapshot) []Record {
	points, _ := json.Marshal(s.Points)
	return []Record{
		{
			Query: `INSERT INTO served_curve_snapshots
				(tenant_id, curve_id, horizon, points, interpolation, snapshot_at_ms)
				VALUES (?, ?, ?, ?, ?, ?)`,
			Args: []any{s.TenantID, s.CurveID, s.Horizon, string(points),
				s.Interpolation, ms(s.SnapshotAt)},
		},
		{
			Query: `INSERT INTO served_curve_current
				(tenant_id, curve_id, horizon, points, interpolation, snapshot_at_ms)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (tenant_id, curve_id, horizon)
				DO UPDATE SET points = excluded.points, interpolation = excluded.interpolation,
					snapshot_at_ms = excluded.snapshot_at_ms
				WHERE excluded.snapshot_at_ms > served_curve_current.snapshot_at_ms`,
			Args: []any{s.TenantID, s.CurveID, s.Horizon, string(points),
				s.Interpolation, ms(s.SnapshotAt)},
		},
	}
}

// AuditEvent appends an audit row.
func AuditEvent(stage, eventID, kind, detail string) Record {
	return Record{
		Query: `INSERT INTO audit_events (stage, event_id, kind, detail, at_ms) VALUES (?, ?, ?, ?, ?)`,
		Args:  []any{stage, eventID, kind, detail, time.Now().UnixMilli()},
	}
}
