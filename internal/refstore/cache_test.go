package refstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"refinery/internal/model"
)

func openSeeded(t *testing.T, records ...*model.ReferenceRecord) *Client {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ref.db")
	client, err := Open(ClientConfig{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		t.Fatalf("seed connect: %v", err)
	}
	defer db.Close()
	for _, rec := range records {
		_, err := db.Exec(`INSERT INTO reference_instruments
			(instrument_id, commodity, region, product_tier, unit, contract_size, tick_size, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.InstrumentID, rec.Commodity, rec.Region, rec.ProductTier, rec.Unit,
			rec.ContractSize, rec.TickSize, rec.UpdatedAt.UnixMilli())
		if err != nil {
			t.Fatalf("seed %s: %v", rec.InstrumentID, err)
		}
	}
	return client
}

func ngRecord() *model.ReferenceRecord {
	return &model.ReferenceRecord{
		InstrumentID: "NG",
		Commodity:    "natural_gas",
		Region:       "north_america",
		ProductTier:  "futures",
		Unit:         "MMBtu",
		ContractSize: 10000,
		TickSize:     0.001,
		UpdatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestClient_Lookup(t *testing.T) {
	client := openSeeded(t, ngRecord())
	ctx := context.Background()

	rec, err := client.Lookup(ctx, "NG")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Commodity != "natural_gas" || rec.ContractSize != 10000 {
		t.Errorf("record = %+v", rec)
	}

	if _, err := client.Lookup(ctx, "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestClient_UpdatedSince(t *testing.T) {
	old := ngRecord()
	fresh := ngRecord()
	fresh.InstrumentID = "CL"
	fresh.UpdatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	client := openSeeded(t, old, fresh)

	ids, err := client.UpdatedSince(context.Background(), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("updated since: %v", err)
	}
	if len(ids) != 1 || ids[0] != "CL" {
		t.Errorf("ids = %v", ids)
	}
}

func TestLayered_LocalCacheServesRepeats(t *testing.T) {
	client := openSeeded(t, ngRecord())
	cache := NewLayered(client, nil, CacheConfig{LocalCapacity: 10, LocalTTL: time.Minute, NegativeTTL: time.Minute})

	hits := map[string]int{}
	cache.OnHit = func(layer string) { hits[layer]++ }

	ctx := context.Background()
	if _, err := cache.Resolve(ctx, "NG"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := cache.Resolve(ctx, "NG"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if hits["store"] != 1 || hits["local"] != 1 {
		t.Errorf("hits = %v, want one store hit then one local hit", hits)
	}
}

func TestLayered_NegativeCaching(t *testing.T) {
	client := openSeeded(t)
	cache := NewLayered(client, nil, CacheConfig{LocalCapacity: 10, LocalTTL: time.Minute, NegativeTTL: time.Minute})

	var localHits int
	cache.OnHit = func(layer string) {
		if layer == "local" {
			localHits++
		}
	}

	ctx := context.Background()
	if _, err := cache.Resolve(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("first resolve: %v", err)
	}
	// Second miss is answered from the cached negative entry.
	if _, err := cache.Resolve(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second resolve: %v", err)
	}
	if localHits != 1 {
		t.Errorf("local hits = %d, want 1", localHits)
	}
}

func TestLayered_QuarantineAfterConsecutiveFailures(t *testing.T) {
	client := openSeeded(t, ngRecord())
	cache := NewLayered(client, nil, CacheConfig{
		LocalCapacity:      10,
		QuarantineFailures: 2,
		QuarantineCooldown: time.Minute,
	})
	quarantined := 0
	cache.OnQuarantine = func() { quarantined++ }

	// Kill the store so lookups fail transiently.
	client.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := cache.Resolve(ctx, "NG"); err == nil {
			t.Fatalf("resolve %d succeeded against closed store", i)
		}
	}
	_, err := cache.Resolve(ctx, "NG")
	if err == nil || !strings.Contains(err.Error(), "quarantined") {
		t.Fatalf("err = %v, want quarantine", err)
	}
	if quarantined != 1 {
		t.Errorf("quarantine hook fired %d times", quarantined)
	}
}

func TestLayered_InvalidateForcesStoreReload(t *testing.T) {
	client := openSeeded(t, ngRecord())
	cache := NewLayered(client, nil, CacheConfig{LocalCapacity: 10, LocalTTL: time.Minute, NegativeTTL: time.Minute})

	hits := map[string]int{}
	cache.OnHit = func(layer string) { hits[layer]++ }

	ctx := context.Background()
	if _, err := cache.Resolve(ctx, "NG"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cache.Invalidate(ctx, "NG")
	if _, err := cache.Resolve(ctx, "NG"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if hits["store"] != 2 {
		t.Errorf("store hits = %d, want 2", hits["store"])
	}
}
