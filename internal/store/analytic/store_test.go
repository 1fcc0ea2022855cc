package analytic

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"refinery/internal/model"
)

func openTest(t *testing.T) (*DB, *Batcher) {
	t.Helper()
	iv, err := model.ParseInterval("1m")
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	db, err := Open(Config{Driver: "sqlite3", DSN: ":memory:"}, []model.Interval{iv})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b := NewBatcher(db, BatcherConfig{MaxSize: 1000, MaxInterval: time.Hour}, zerolog.Nop())
	t.Cleanup(func() {
		b.Close()
		db.Close()
	})
	return db, b
}

func silverTick(at time.Time, price float64, source string) model.Tick {
	return model.Tick{
		TenantID:     "t1",
		InstrumentID: "NG",
		EventTime:    at,
		Price:        price,
		Volume:       10,
		SourceID:     source,
		QualityFlags: []model.QualityFlag{model.FlagValid},
	}
}

func TestSilverTick_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tk := silverTick(at, 100, "s1")
	for i := 0; i < 3; i++ {
		if err := b.Accept(SilverTick(&tk)); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var rows int
	if err := db.Get(&rows, `SELECT COUNT(*) FROM silver_ticks`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("rows = %d, want 1", rows)
	}
}

func TestSilverRange_OrderAndBounds(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ticks := []model.Tick{
		silverTick(base.Add(30*time.Second), 102, "b"),
		silverTick(base.Add(30*time.Second), 101, "a"), // same ms, earlier source
		silverTick(base.Add(10*time.Second), 100, "a"),
		silverTick(base.Add(60*time.Second), 103, "a"), // outside [from, to)
	}
	for i := range ticks {
		if err := b.Accept(SilverTick(&ticks[i])); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := db.SilverRange(ctx, "t1", "NG", base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ticks = %d, want 3", len(got))
	}
	if got[0].Price != 100 || got[1].Price != 101 || got[2].Price != 102 {
		t.Errorf("order = %g %g %g", got[0].Price, got[1].Price, got[2].Price)
	}
	if got[1].SourceID != "a" || got[2].SourceID != "b" {
		t.Errorf("source tiebreak = %s %s", got[1].SourceID, got[2].SourceID)
	}
}

func testBar(revision int64, close float64) *model.Bar {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.Bar{
		TenantID:     "t1",
		InstrumentID: "NG",
		Interval:     "1m",
		WindowStart:  start,
		Open:         100,
		High:         105,
		Low:          95,
		Close:        close,
		Volume:       50,
		TradeCount:   4,
		OpenTime:     start.Add(5 * time.Second),
		CloseTime:    start.Add(55 * time.Second),
		Revision:     revision,
	}
}

func TestBarUpsert_RevisionOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)

	if err := b.Accept(BarUpsert(testBar(2, 102))); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// A redelivered revision 1 must not clobber revision 2.
	if err := b.Accept(BarUpsert(testBar(1, 999))); err != nil {
		t.Fatalf("accept old: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	bar, err := db.BarAt(ctx, "t1", "NG", "1m", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("bar at: %v", err)
	}
	if bar == nil || bar.Revision != 2 || bar.Close != 102 {
		t.Fatalf("bar = %+v", bar)
	}

	// Revision 3 replaces.
	if err := b.Accept(BarUpsert(testBar(3, 103))); err != nil {
		t.Fatalf("accept new: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	bar, err = db.LatestBar(ctx, "t1", "NG", "1m")
	if err != nil {
		t.Fatalf("latest bar: %v", err)
	}
	if bar.Revision != 3 || bar.Close != 103 {
		t.Errorf("bar = %+v", bar)
	}
}

func latestAt(eventTime time.Time, price float64) *model.LatestPrice {
	return &model.LatestPrice{
		TenantID:     "t1",
		InstrumentID: "NG",
		Price:        price,
		Volume:       1,
		EventTime:    eventTime,
		Source:       "bar:1m",
		QualityFlags: []model.QualityFlag{model.FlagValid},
		SnapshotAt:   eventTime.Add(time.Second),
	}
}

func TestLatestPriceChange_MonotonicInSQL(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, rec := range LatestPriceChange(latestAt(base.Add(time.Minute), 101)) {
		if err := b.Accept(rec); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	// An older event replays after the newer one.
	for _, rec := range LatestPriceChange(latestAt(base, 100)) {
		if err := b.Accept(rec); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	cur, err := db.CurrentLatest(ctx, "t1", "NG")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur == nil || cur.Price != 101 {
		t.Fatalf("current = %+v, old event moved it backwards", cur)
	}

	// The change log keeps both.
	var logRows int
	if err := db.Get(&logRows, `SELECT COUNT(*) FROM served_latest`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if logRows != 2 {
		t.Errorf("change log rows = %d, want 2", logRows)
	}
}

func TestCurveSnapshotChange_Monotonic(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)

	snap := func(at time.Time, price float64) *model.CurveSnapshot {
		return &model.CurveSnapshot{
			TenantID: "t1", CurveID: "NG", Horizon: "2025-01-01",
			Points:        []model.CurvePoint{{Tenor: "SPOT", TenorOrdinal: 0, Price: price}},
			Interpolation: "linear",
			SnapshotAt:    at,
		}
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, rec := range CurveSnapshotChange(snap(base.Add(time.Minute), 101)) {
		if err := b.Accept(rec); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	for _, rec := range CurveSnapshotChange(snap(base, 100)) {
		if err := b.Accept(rec); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	cur, err := db.CurrentCurve(ctx, "t1", "NG", "2025-01-01")
	if err != nil {
		t.Fatalf("current curve: %v", err)
	}
	if cur == nil || cur.Points[0].Price != 101 {
		t.Fatalf("current = %+v", cur)
	}
}

func TestActiveSilverKeysAndSamples(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	old := silverTick(base.Add(-time.Hour), 90, "s")
	recent := silverTick(base, 100, "s")
	other := silverTick(base, 70, "s")
	other.InstrumentID = "CL"
	for _, tk := range []model.Tick{old, recent, other} {
		if err := b.Accept(SilverTick(&tk)); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	for _, rec := range LatestPriceChange(latestAt(base, 100)) {
		if err := b.Accept(rec); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	keys, err := db.ActiveSilverKeys(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("active keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("active keys = %v, want NG and CL", keys)
	}

	samples, err := db.SampleLatestKeys(ctx, 10)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 || samples[0] != [2]string{"t1", "NG"} {
		t.Errorf("samples = %v", samples)
	}
}

func TestBatcher_PendingAndFlush(t *testing.T) {
	ctx := context.Background()
	db, b := openTest(t)

	tk := silverTick(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 100, "s")
	if err := b.Accept(SilverTick(&tk)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if b.Pending() != 1 {
		t.Errorf("pending = %d", b.Pending())
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("pending after flush = %d", b.Pending())
	}

	var rows int
	if err := db.Get(&rows, `SELECT COUNT(*) FROM silver_ticks`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("rows = %d", rows)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Accept(SilverTick(&tk)); err == nil {
		t.Error("accept after close succeeded")
	}
}
