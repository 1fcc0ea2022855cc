package projector

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"refinery/internal/metrics"
	"refinery/internal/model"
	"refinery/internal/store/analytic"
	"refinery/internal/store/hotcache"
)

func newTestReconciler(t *testing.T) (*Reconciler, redismock.ClientMock, *analytic.Batcher) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	cache := hotcache.New(client)
	writer := hotcache.NewBufferedWriter(cache, hotcache.BufferedWriterConfig{MaxFailures: 100}, zerolog.Nop())

	db, err := analytic.Open(analytic.Config{Driver: "sqlite3", DSN: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	batcher := analytic.NewBatcher(db, analytic.BatcherConfig{MaxSize: 100, MaxInterval: time.Hour}, zerolog.Nop())
	t.Cleanup(func() {
		batcher.Close()
		db.Close()
	})

	r := NewReconciler(db, cache, writer, nil, metrics.New(prometheus.NewRegistry()),
		zerolog.Nop(), time.Minute, 1.0, testTTL)
	return r, mock, batcher
}

func seedLatest(t *testing.T, batcher *analytic.Batcher, lp *model.LatestPrice) {
	t.Helper()
	for _, rec := range analytic.LatestPriceChange(lp) {
		if err := batcher.Accept(rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := batcher.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func truthEntry() *model.LatestPrice {
	return &model.LatestPrice{
		TenantID:     "t1",
		InstrumentID: "NG",
		Price:        101,
		EventTime:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Source:       "bar:1m",
		SnapshotAt:   time.Date(2025, 1, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestReconcilerCheck_MissingKeyRepaired(t *testing.T) {
	r, mock, batcher := newTestReconciler(t)
	truth := truthEntry()
	seedLatest(t, batcher, truth)

	mock.ExpectGet(truth.CacheKey()).RedisNil()
	mock.ExpectSet(truth.CacheKey(), truth.JSON(), testTTL).SetVal("OK")

	drift, err := r.check(context.Background(), "t1", "NG")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if drift == nil || drift.Kind != "missing" {
		t.Fatalf("drift = %+v, want missing", drift)
	}
	if !drift.StoreTime.Equal(truth.EventTime) {
		t.Errorf("store time = %s", drift.StoreTime)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("cache expectations: %v", err)
	}
}

func TestReconcilerCheck_StaleEntryRepaired(t *testing.T) {
	r, mock, batcher := newTestReconciler(t)
	truth := truthEntry()
	seedLatest(t, batcher, truth)

	stale := *truth
	stale.Price = 95
	stale.EventTime = truth.EventTime.Add(-time.Hour)
	mock.ExpectGet(truth.CacheKey()).SetVal(string(stale.JSON()))
	mock.ExpectSet(truth.CacheKey(), truth.JSON(), testTTL).SetVal("OK")

	drift, err := r.check(context.Background(), "t1", "NG")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if drift == nil || drift.Kind != "stale" {
		t.Fatalf("drift = %+v, want stale", drift)
	}
	if !drift.CacheTime.Equal(stale.EventTime) {
		t.Errorf("cache time = %s", drift.CacheTime)
	}
}

func TestReconcilerCheck_ConsistentEntryUntouched(t *testing.T) {
	r, mock, batcher := newTestReconciler(t)
	truth := truthEntry()
	seedLatest(t, batcher, truth)

	mock.ExpectGet(truth.CacheKey()).SetVal(string(truth.JSON()))

	drift, err := r.check(context.Background(), "t1", "NG")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if drift != nil {
		t.Fatalf("drift = %+v for a consistent entry", drift)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("cache expectations: %v", err)
	}
}

func TestReconcilerCheck_UnservedKeyIsNoop(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	drift, err := r.check(context.Background(), "t1", "MISSING")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if drift != nil {
		t.Fatalf("drift = %+v for unserved key", drift)
	}
}
