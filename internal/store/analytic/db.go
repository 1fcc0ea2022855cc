// Package analytic is the durable analytical store behind every pipeline
// stage: silver and gold tick tables, per-interval bar tables, curve tables,
// and the served change-log/current tables. It runs on sqlx with either the
// postgres or sqlite3 driver; all SQL is written with ? bindvars and rebound
// per driver.
package analytic

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"refinery/internal/model"
)

// Config configures the store connection.
type Config struct {
	Driver string // "postgres" or "sqlite3"
	DSN    string
}

// DB wraps the sqlx handle with the driver name for rebinding.
type DB struct {
	*sqlx.DB
	driver string
}

// Open connects, pings, and ensures the schema for the enabled intervals.
func Open(cfg Config, intervals []model.Interval) (*DB, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("analytic open (%s): %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		// Single writer; the batcher serializes all writes anyway.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	d := &DB{DB: db, driver: cfg.Driver}
	if err := d.ensureSchema(intervals); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// BarsTable returns the bar table name for an interval label.
func BarsTable(interval string) string { return "bars_" + interval }

func (d *DB) ensureSchema(intervals []model.Interval) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS silver_ticks (
			tenant_id      TEXT    NOT NULL,
			instrument_id  TEXT    NOT NULL,
			event_time_ms  BIGINT  NOT NULL,
			source_id      TEXT    NOT NULL,
			price          DOUBLE PRECISION NOT NULL,
			volume         DOUBLE PRECISION NOT NULL,
			quality_flags  TEXT    NOT NULL,
			metadata       TEXT,
			ingested_at_ms BIGINT  NOT NULL,
			PRIMARY KEY (tenant_id, instrument_id, event_time_ms, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS enriched_ticks (
			tenant_id      TEXT    NOT NULL,
			instrument_id  TEXT    NOT NULL,
			event_time_ms  BIGINT  NOT NULL,
			source_id      TEXT    NOT NULL,
			price          DOUBLE PRECISION NOT NULL,
			volume         DOUBLE PRECISION NOT NULL,
			quality_flags  TEXT    NOT NULL,
			commodity_tier TEXT    NOT NULL,
			region_tier    TEXT    NOT NULL,
			product_tier   TEXT    NOT NULL,
			confidence     DOUBLE PRECISION NOT NULL,
			ingested_at_ms BIGINT  NOT NULL,
			PRIMARY KEY (tenant_id, instrument_id, event_time_ms, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS curves_base (
			tenant_id     TEXT NOT NULL,
			curve_id      TEXT NOT NULL,
			as_of_date    TEXT NOT NULL,
			tenor         TEXT NOT NULL,
			tenor_ordinal INTEGER NOT NULL,
			price         DOUBLE PRECISION NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, curve_id, as_of_date, tenor)
		)`,
		`CREATE TABLE IF NOT EXISTS curves_computed (
			tenant_id      TEXT NOT NULL,
			curve_id       TEXT NOT NULL,
			as_of_date     TEXT NOT NULL,
			points         TEXT NOT NULL,
			interpolation  TEXT NOT NULL,
			confidence     DOUBLE PRECISION NOT NULL,
			computed_at_ms BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, curve_id, as_of_date)
		)`,
		`CREATE TABLE IF NOT EXISTS served_latest (
			tenant_id      TEXT NOT NULL,
			instrument_id  TEXT NOT NULL,
			price          DOUBLE PRECISION NOT NULL,
			volume         DOUBLE PRECISION NOT NULL,
			event_time_ms  BIGINT NOT NULL,
			source         TEXT NOT NULL,
			quality_flags  TEXT NOT NULL,
			snapshot_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS served_latest_current (
			tenant_id      TEXT NOT NULL,
			instrument_id  TEXT NOT NULL,
			price          DOUBLE PRECISION NOT NULL,
			volume         DOUBLE PRECISION NOT NULL,
			event_time_ms  BIGINT NOT NULL,
			source         TEXT NOT NULL,
			quality_flags  TEXT NOT NULL,
			snapshot_at_ms BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, instrument_id)
		)`,
		`CREATE TABLE IF NOT EXISTS served_curve_snapshots (
			tenant_id      TEXT NOT NULL,
			curve_id       TEXT NOT NULL,
			horizon        TEXT NOT NULL,
			points         TEXT NOT NULL,
			interpolation  TEXT NOT NULL,
			snapshot_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS served_curve_current (
			tenant_id      TEXT NOT NULL,
			curve_id       TEXT NOT NULL,
			horizon        TEXT NOT NULL,
			points         TEXT NOT NULL,
			interpolation  TEXT NOT NULL,
			snapshot_at_ms BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, curve_id, horizon)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			stage    TEXT NOT NULL,
			event_id TEXT NOT NULL,
			kind     TEXT NOT NULL,
			detail   TEXT,
			at_ms    BIGINT NOT NULL
		)`,
	}
	for _, iv := range intervals {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id     TEXT   NOT NULL,
			instrument_id TEXT   NOT NULL,
			window_start_ms BIGINT NOT NULL,
			open          DOUBLE PRECISION NOT NULL,
			high          DOUBLE PRECISION NOT NULL,
			low           DOUBLE PRECISION NOT NULL,
			close         DOUBLE PRECISION NOT NULL,
			volume        DOUBLE PRECISION NOT NULL,
			trade_count   BIGINT NOT NULL,
			open_time_ms  BIGINT NOT NULL,
			close_time_ms BIGINT NOT NULL,
			revision      BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, instrument_id, window_start_ms)
		)`, BarsTable(iv.Label())))
	}
	for _, stmt := range stmts {
		if _, err := d.Exec(stmt); err != nil {
			short := strings.Fields(stmt)
			return fmt.Errorf("analytic schema (%s ...): %w", strings.Join(short[:5], " "), err)
		}
	}
	return nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }
