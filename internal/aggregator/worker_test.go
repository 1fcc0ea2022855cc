package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"refinery/internal/bus"
	"refinery/internal/metrics"
	"refinery/internal/model"
	"refinery/internal/store/analytic"
)

func newAggStore(t *testing.T, intervals ...model.Interval) (*analytic.DB, *analytic.Batcher) {
	t.Helper()
	db, err := analytic.Open(analytic.Config{Driver: "sqlite3", DSN: ":memory:"}, intervals)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	b := analytic.NewBatcher(db, analytic.BatcherConfig{MaxSize: 1000, MaxInterval: time.Hour}, zerolog.Nop())
	t.Cleanup(func() {
		b.Close()
		db.Close()
	})
	return db, b
}

func newTestAggregator(t *testing.T, db *analytic.DB, batcher *analytic.Batcher, synth string) *Aggregator {
	t.Helper()
	engine := NewEngine(EngineConfig{
		Intervals:     []model.Interval{mustInterval(t, "1m")},
		MaxOutOfOrder: 5 * time.Second,
		Grace:         10 * time.Second,
		LateLookback:  5 * time.Minute,
	})
	cb := NewCurveBuilder(db, batcher, LinearInterpolator{})
	met := metrics.New(prometheus.NewRegistry())
	return New(engine, cb, db, batcher, met, synth)
}

func deliver(t *testing.T, topic, source string, payload any) bus.Delivery {
	t.Helper()
	env, err := model.NewEnvelope(source, "t1", "t1|NG", payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return bus.Delivery{Stream: topic, ID: "1-1", Envelope: env}
}

func enriched(tk model.Tick) model.EnrichedTick {
	return model.EnrichedTick{Tick: tk, CommodityTier: "natgas", RegionTier: "us", ProductTier: "standard", Confidence: 1}
}

func TestAggregator_LateTickRecompute(t *testing.T) {
	ctx := context.Background()
	iv := mustInterval(t, "1m")
	db, batcher := newAggStore(t, iv)
	agg := newTestAggregator(t, db, batcher, "")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := base
	agg.now = func() time.Time { return wall }

	// First tick opens the 00:00 window; its silver row is already flushed
	// (the normalizer runs ahead of us).
	t1 := tick("NG", base.Add(30*time.Second), 100, 10, "s1")
	if err := batcher.Accept(analytic.SilverTick(&t1)); err != nil {
		t.Fatalf("seed silver: %v", err)
	}
	if err := batcher.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	wall = base.Add(31 * time.Second)
	msgs, err := agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(t1)))
	if err != nil {
		t.Fatalf("process t1: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages before close = %d", len(msgs))
	}

	// Second tick pushes the watermark past window end + grace.
	t2 := tick("NG", base.Add(76*time.Second), 101, 1, "s1")
	wall = base.Add(77 * time.Second)
	msgs, err = agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(t2)))
	if err != nil {
		t.Fatalf("process t2: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 closed bar", len(msgs))
	}
	bar := msgs[0].Payload.(*model.Bar)
	if bar.Revision != 1 || bar.Close != 100 {
		t.Fatalf("bar = %+v", bar)
	}
	if msgs[0].Topic != bus.TopicBars("1m") {
		t.Errorf("topic = %s", msgs[0].Topic)
	}
	if err := batcher.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Late tick into the closed window, inside the lookback. The recompute
	// replays silver and folds the late tick itself since its silver row has
	// not flushed yet.
	late := tick("NG", base.Add(40*time.Second), 90, 5, "s2")
	if err := batcher.Accept(analytic.SilverTick(&late)); err != nil {
		t.Fatalf("accept late silver: %v", err)
	}
	wall = base.Add(2 * time.Minute)
	msgs, err = agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(late)))
	if err != nil {
		t.Fatalf("process late: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 recomputed bar", len(msgs))
	}
	bar = msgs[0].Payload.(*model.Bar)
	if bar.Revision != 2 {
		t.Errorf("revision = %d, want 2", bar.Revision)
	}
	if bar.Open != 100 || bar.Close != 90 || bar.Low != 90 || bar.TradeCount != 2 {
		t.Errorf("recomputed bar = %+v", bar)
	}

	if err := batcher.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var stored struct {
		Revision int64   `db:"revision"`
		Low      float64 `db:"low"`
	}
	err = db.Get(&stored, `SELECT revision, low FROM bars_1m WHERE tenant_id = 't1' AND instrument_id = 'NG'`)
	if err != nil {
		t.Fatalf("read bar: %v", err)
	}
	if stored.Revision != 2 || stored.Low != 90 {
		t.Errorf("stored bar revision/low = %d/%g", stored.Revision, stored.Low)
	}
}

// A single tick with no successors must still yield its bar once the wall
// clock passes window end + grace.
func TestAggregator_SweepClosesIdleWindow(t *testing.T) {
	ctx := context.Background()
	iv := mustInterval(t, "1m")
	db, batcher := newAggStore(t, iv)
	agg := newTestAggregator(t, db, batcher, "")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := base.Add(31 * time.Second)
	agg.now = func() time.Time { return wall }

	t1 := tick("NG", base.Add(30*time.Second), 100, 10, "s1")
	if err := batcher.Accept(analytic.SilverTick(&t1)); err != nil {
		t.Fatalf("seed silver: %v", err)
	}
	if err := batcher.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	msgs, err := agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(t1)))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages before close = %d", len(msgs))
	}

	// Before the grace deadline the sweep leaves the window open.
	wall = base.Add(69 * time.Second)
	if msgs, err = agg.Sweep(ctx); err != nil || len(msgs) != 0 {
		t.Fatalf("early sweep = %d messages, err %v", len(msgs), err)
	}

	wall = base.Add(71 * time.Second)
	msgs, err = agg.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Topic != bus.TopicBars("1m") {
		t.Fatalf("sweep messages = %+v, want one 1m bar", msgs)
	}
	bar := msgs[0].Payload.(*model.Bar)
	if bar.Revision != 1 || bar.Open != 100 || bar.Close != 100 || bar.TradeCount != 1 {
		t.Fatalf("bar = %+v", bar)
	}

	// Re-sweeping finds nothing.
	if msgs, err = agg.Sweep(ctx); err != nil || len(msgs) != 0 {
		t.Fatalf("second sweep = %d messages, err %v", len(msgs), err)
	}
	if err := batcher.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// A late tick for the swept window recomputes rather than reopening it.
	late := tick("NG", base.Add(40*time.Second), 90, 5, "s2")
	if err := batcher.Accept(analytic.SilverTick(&late)); err != nil {
		t.Fatalf("accept late silver: %v", err)
	}
	wall = base.Add(2 * time.Minute)
	msgs, err = agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(late)))
	if err != nil {
		t.Fatalf("process late: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 recomputed bar", len(msgs))
	}
	bar = msgs[0].Payload.(*model.Bar)
	if bar.Revision != 2 || bar.Low != 90 || bar.TradeCount != 2 {
		t.Errorf("recomputed bar = %+v", bar)
	}
}

func TestAggregator_LateBeyondLookbackIsSilverOnly(t *testing.T) {
	ctx := context.Background()
	iv := mustInterval(t, "1m")
	db, batcher := newAggStore(t, iv)
	agg := newTestAggregator(t, db, batcher, "")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := base.Add(3 * time.Minute)
	agg.now = func() time.Time { return wall }

	warm := tick("NG", base.Add(3*time.Minute), 100, 1, "s")
	if _, err := agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(warm))); err != nil {
		t.Fatalf("warm: %v", err)
	}

	wall = base.Add(10 * time.Minute)
	late := tick("NG", base.Add(20*time.Second), 90, 1, "s")
	msgs, err := agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(late)))
	if err != nil {
		t.Fatalf("late: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want none for a tick beyond the lookback", len(msgs))
	}
}

func TestAggregator_CurveUpdateLoopGuard(t *testing.T) {
	db, batcher := newAggStore(t)
	agg := newTestAggregator(t, db, batcher, "")

	u := &model.CurveUpdate{TenantID: "t1", CurveID: "NG", AsOfDate: "2025-01-01",
		Points: []model.CurvePoint{{Tenor: "SPOT", TenorOrdinal: 0, Price: 100}}}
	msgs, err := agg.Process(context.Background(), deliver(t, bus.TopicCurveUpdates, Stage, u))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("own republication must be skipped, got %d messages", len(msgs))
	}
}

func TestAggregator_CurveUpdateRepublishesComputed(t *testing.T) {
	db, batcher := newAggStore(t)
	agg := newTestAggregator(t, db, batcher, "")

	u := &model.CurveUpdate{
		TenantID: "t1", CurveID: "NG_CURVE", AsOfDate: "2025-01-01",
		Points: []model.CurvePoint{
			{Tenor: "SPOT", TenorOrdinal: 0, Price: 100},
			{Tenor: "M2", TenorOrdinal: 2, Price: 104},
		},
		SnapshotAt: time.Now().UTC(),
	}
	msgs, err := agg.Process(context.Background(), deliver(t, bus.TopicCurveUpdates, "vendor-feed", u))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	out := msgs[0].Payload.(*model.CurveUpdate)
	if msgs[0].Topic != bus.TopicCurveUpdates || !out.Full {
		t.Errorf("republication topic/full = %s/%v", msgs[0].Topic, out.Full)
	}
	if out.Interpolation != "linear" || len(out.Points) != 3 {
		t.Errorf("computed = %+v", out)
	}
}

func TestAggregator_SynthesizesSpotCurveFromBar(t *testing.T) {
	ctx := context.Background()
	iv := mustInterval(t, "1m")
	db, batcher := newAggStore(t, iv)
	agg := newTestAggregator(t, db, batcher, "1m")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := base
	agg.now = func() time.Time { return wall }

	t1 := tick("NG", base.Add(30*time.Second), 120, 10, "s")
	wall = base.Add(31 * time.Second)
	if _, err := agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(t1))); err != nil {
		t.Fatalf("open: %v", err)
	}

	t2 := tick("NG", base.Add(76*time.Second), 121, 1, "s")
	wall = base.Add(77 * time.Second)
	msgs, err := agg.Process(ctx, deliver(t, bus.TopicEnrichedTicks, "enricher", enriched(t2)))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want bar + synthesized curve", len(msgs))
	}
	curve := msgs[1].Payload.(*model.CurveUpdate)
	if curve.CurveID != "NG" || len(curve.Points) != 1 {
		t.Fatalf("curve = %+v", curve)
	}
	if curve.Points[0].Tenor != "SPOT" || curve.Points[0].Price != 120 {
		t.Errorf("spot point = %+v", curve.Points[0])
	}
}

func TestAggregator_BackfillRebuildsWindows(t *testing.T) {
	ctx := context.Background()
	iv := mustInterval(t, "1m")
	db, batcher := newAggStore(t, iv)
	agg := newTestAggregator(t, db, batcher, "")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	silver := []model.Tick{
		tick("NG", base.Add(10*time.Second), 100, 1, "s"),
		tick("NG", base.Add(50*time.Second), 102, 1, "s"),
		tick("NG", base.Add(70*time.Second), 104, 1, "s"),
	}
	for i := range silver {
		if err := batcher.Accept(analytic.SilverTick(&silver[i])); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := batcher.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	req := model.BackfillRequest{
		RequestID:    "bf-1",
		TenantID:     "t1",
		InstrumentID: "NG",
		From:         base,
		To:           base.Add(2 * time.Minute),
	}
	msgs, err := agg.Process(ctx, deliver(t, bus.TopicBackfill, "ops", req))
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 rebuilt bars", len(msgs))
	}
	byStart := make(map[time.Time]*model.Bar)
	for _, m := range msgs {
		b := m.Payload.(*model.Bar)
		byStart[b.WindowStart] = b
	}
	first, second := byStart[base], byStart[base.Add(time.Minute)]
	if first == nil || second == nil {
		t.Fatalf("window starts = %v", byStart)
	}
	if first.Open != 100 || first.Close != 102 || first.TradeCount != 2 {
		t.Errorf("first bar = %+v", first)
	}
	if second.Close != 104 || second.Revision != 1 {
		t.Errorf("second bar = %+v", second)
	}
}

func TestAggregator_RejectsInvertedBackfillRange(t *testing.T) {
	db, batcher := newAggStore(t)
	agg := newTestAggregator(t, db, batcher, "")

	req := model.BackfillRequest{
		RequestID: "bf-2", TenantID: "t1", InstrumentID: "NG",
		From: time.Now(), To: time.Now().Add(-time.Hour),
	}
	if _, err := agg.Process(context.Background(), deliver(t, bus.TopicBackfill, "ops", req)); err == nil {
		t.Fatal("inverted range accepted")
	}
}

func TestAggregator_UnroutableStream(t *testing.T) {
	db, batcher := newAggStore(t)
	agg := newTestAggregator(t, db, batcher, "")

	d := deliver(t, "some.other.topic.v1", "x", struct{}{})
	if _, err := agg.Process(context.Background(), d); err == nil {
		t.Fatal("unexpected stream accepted")
	}
}
