// Package refstore is the enricher's view of the external reference store:
// a rate-limited sqlx client, a two-layer cache (process-local LRU plus
// shared Redis) with negative entries, per-key quarantine after repeated
// transient errors, and a background refresher that evicts cache entries
// the store has since updated.
package refstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/time/rate"

	"refinery/internal/model"
)

// ErrNotFound marks an instrument the reference store does not know.
// Not transient: callers cache a negative entry instead of retrying.
var ErrNotFound = errors.New("reference record not found")

// ClientConfig configures the store client.
type ClientConfig struct {
	Driver     string
	DSN        string
	RatePerSec float64 // cap on bulk-refresh queries
}

// Client queries the reference store.
type Client struct {
	db      *sqlx.DB
	limiter *rate.Limiter
}

// Open connects and pings the reference store.
func Open(cfg ClientConfig) (*Client, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("refstore open (%s): %w", cfg.Driver, err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 50
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("refstore schema: %w", err)
	}
	return &Client{db: db, limiter: rate.NewLimiter(rate.Limit(rps), int(rps))}, nil
}

// The reference table is owned by an external system; the schema here only
// makes local/dev bootstraps work against an empty database.
const schema = `CREATE TABLE IF NOT EXISTS reference_instruments (
	instrument_id TEXT PRIMARY KEY,
	commodity     TEXT NOT NULL,
	region        TEXT NOT NULL,
	product_tier  TEXT NOT NULL,
	unit          TEXT NOT NULL,
	contract_size DOUBLE PRECISION NOT NULL,
	tick_size     DOUBLE PRECISION NOT NULL,
	updated_at_ms BIGINT NOT NULL
)`

type refRow struct {
	InstrumentID string  `db:"instrument_id"`
	Commodity    string  `db:"commodity"`
	Region       string  `db:"region"`
	ProductTier  string  `db:"product_tier"`
	Unit         string  `db:"unit"`
	ContractSize float64 `db:"contract_size"`
	TickSize     float64 `db:"tick_size"`
	UpdatedAt    int64   `db:"updated_at_ms"`
}

func (r refRow) toRecord() *model.ReferenceRecord {
	return &model.ReferenceRecord{
		InstrumentID: r.InstrumentID,
		Commodity:    r.Commodity,
		Region:       r.Region,
		ProductTier:  r.ProductTier,
		Unit:         r.Unit,
		ContractSize: r.ContractSize,
		TickSize:     r.TickSize,
		UpdatedAt:    time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// Lookup fetches one record. Returns ErrNotFound for unknown instruments;
// any other error is transient.
func (c *Client) Lookup(ctx context.Context, instrumentID string) (*model.ReferenceRecord, error) {
	var row refRow
	q := c.db.Rebind(`SELECT instrument_id, commodity, region, product_tier, unit,
		contract_size, tick_size, updated_at_ms
		FROM reference_instruments WHERE instrument_id = ?`)
	err := c.db.GetContext(ctx, &row, q, instrumentID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("refstore lookup %s: %w", instrumentID, err)
	}
	return row.toRecord(), nil
}

// UpdatedSince returns instrument IDs whose updated_at is newer than since.
// Drives cache-coherence eviction. Rate-limited so refresh sweeps cannot
// starve lookups.
func (c *Client) UpdatedSince(ctx context.Context, since time.Time) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var ids []string
	q := c.db.Rebind(`SELECT instrument_id FROM reference_instruments WHERE updated_at_ms > ?`)
	if err := c.db.SelectContext(ctx, &ids, q, since.UnixMilli()); err != nil {
		return nil, fmt.Errorf("refstore updated-since: %w", err)
	}
	return ids, nil
}

// Ping reports store reachability for the readiness probe.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close releases the connection pool.
func (c *Client) Close() error { return c.db.Close() }
