package analytic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"refinery/internal/model"
)

type barRow struct {
	TenantID     string  `db:"tenant_id"`
	InstrumentID string  `db:"instrument_id"`
	WindowStart  int64   `db:"window_start_ms"`
	Open         float64 `db:"open"`
	High         float64 `db:"high"`
	Low          float64 `db:"low"`
	Close        float64 `db:"close"`
	Volume       float64 `db:"volume"`
	TradeCount   int64   `db:"trade_count"`
	OpenTime     int64   `db:"open_time_ms"`
	CloseTime    int64   `db:"close_time_ms"`
	Revision     int64   `db:"revision"`
}

func (r barRow) toBar(interval string) *model.Bar {
	return &model.Bar{
		TenantID:     r.TenantID,
		InstrumentID: r.InstrumentID,
		Interval:     interval,
		WindowStart:  time.UnixMilli(r.WindowStart).UTC(),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		TradeCount:   r.TradeCount,
		OpenTime:     time.UnixMilli(r.OpenTime).UTC(),
		CloseTime:    time.UnixMilli(r.CloseTime).UTC(),
		Revision:     r.Revision,
	}
}

// LatestBar returns the most recent bar for a key under interval, or nil.
func (d *DB) LatestBar(ctx context.Context, tenant, instrument, interval string) (*model.Bar, error) {
	var row barRow
	q := fmt.Sprintf(`SELECT tenant_id, instrument_id, window_start_ms, open, high, low, close,
			volume, trade_count, open_time_ms, close_time_ms, revision
		FROM %s WHERE tenant_id = ? AND instrument_id = ?
		ORDER BY window_start_ms DESC LIMIT 1`, BarsTable(interval))
	err := d.GetContext(ctx, &row, d.Rebind(q), tenant, instrument)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest bar: %w", err)
	}
	return row.toBar(interval), nil
}

// BarAt returns the stored bar for one window, or nil. The aggregator reads
// it before a late recompute to continue the revision sequence.
func (d *DB) BarAt(ctx context.Context, tenant, instrument, interval string, windowStart time.Time) (*model.Bar, error) {
	var row barRow
	q := fmt.Sprintf(`SELECT tenant_id, instrument_id, window_start_ms, open, high, low, close,
			volume, trade_count, open_time_ms, close_time_ms, revision
		FROM %s WHERE tenant_id = ? AND instrument_id = ? AND window_start_ms = ?`, BarsTable(interval))
	err := d.GetContext(ctx, &row, d.Rebind(q), tenant, instrument, ms(windowStart))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bar at: %w", err)
	}
	return row.toBar(interval), nil
}

// ActiveSilverKeys returns the distinct (tenant, instrument) pairs with
// silver ticks since the given time. Drives window rebuild after a restart.
func (d *DB) ActiveSilverKeys(ctx context.Context, since time.Time) ([][2]string, error) {
	var rows []struct {
		TenantID     string `db:"tenant_id"`
		InstrumentID string `db:"instrument_id"`
	}
	q := `SELECT DISTINCT tenant_id, instrument_id FROM silver_ticks WHERE event_time_ms >= ?`
	if err := d.SelectContext(ctx, &rows, d.Rebind(q), ms(since)); err != nil {
		return nil, fmt.Errorf("active silver keys: %w", err)
	}
	out := make([][2]string, len(rows))
	for i, r := range rows {
		out[i] = [2]string{r.TenantID, r.InstrumentID}
	}
	return out, nil
}

type silverRow struct {
	TenantID     string         `db:"tenant_id"`
	InstrumentID string         `db:"instrument_id"`
	EventTime    int64          `db:"event_time_ms"`
	SourceID     string         `db:"source_id"`
	Price        float64        `db:"price"`
	Volume       float64        `db:"volume"`
	QualityFlags string         `db:"quality_flags"`
	Metadata     sql.NullString `db:"metadata"`
	IngestedAt   int64          `db:"ingested_at_ms"`
}

// SilverRange streams canonical ticks for one key over [from, to) in
// (event_time, source_id) order. Used to rebuild unclosed windows after a
// restart and to serve backfill requests.
func (d *DB) SilverRange(ctx context.Context, tenant, instrument string, from, to time.Time) ([]model.Tick, error) {
	var rows []silverRow
	q := `SELECT tenant_id, instrument_id, event_time_ms, source_id, price, volume,
			quality_flags, metadata, ingested_at_ms
		FROM silver_ticks
		WHERE tenant_id = ? AND instrument_id = ? AND event_time_ms >= ? AND event_time_ms < ?
		ORDER BY event_time_ms ASC, source_id ASC`
	if err := d.SelectContext(ctx, &rows, d.Rebind(q), tenant, instrument, ms(from), ms(to)); err != nil {
		return nil, fmt.Errorf("silver range: %w", err)
	}
	out := make([]model.Tick, 0, len(rows))
	for _, r := range rows {
		t := model.Tick{
			TenantID:     r.TenantID,
			InstrumentID: r.InstrumentID,
			EventTime:    time.UnixMilli(r.EventTime).UTC(),
			Price:        r.Price,
			Volume:       r.Volume,
			SourceID:     r.SourceID,
		}
		_ = json.Unmarshal([]byte(r.QualityFlags), &t.QualityFlags)
		if r.Metadata.Valid && r.Metadata.String != "" {
			_ = json.Unmarshal([]byte(r.Metadata.String), &t.Metadata)
		}
		out = append(out, t)
	}
	return out, nil
}

type latestRow struct {
	TenantID     string  `db:"tenant_id"`
	InstrumentID string  `db:"instrument_id"`
	Price        float64 `db:"price"`
	Volume       float64 `db:"volume"`
	EventTime    int64   `db:"event_time_ms"`
	Source       string  `db:"source"`
	QualityFlags string  `db:"quality_flags"`
	SnapshotAt   int64   `db:"snapshot_at_ms"`
}

func (r latestRow) toLatest() *model.LatestPrice {
	p := &model.LatestPrice{
		TenantID:     r.TenantID,
		InstrumentID: r.InstrumentID,
		Price:        r.Price,
		Volume:       r.Volume,
		EventTime:    time.UnixMilli(r.EventTime).UTC(),
		Source:       r.Source,
		SnapshotAt:   time.UnixMilli(r.SnapshotAt).UTC(),
	}
	_ = json.Unmarshal([]byte(r.QualityFlags), &p.QualityFlags)
	return p
}

// CurrentLatest returns the served latest-price row for a key, or nil.
// The analytical store is the source of truth; the hot cache falls back
// here.
func (d *DB) CurrentLatest(ctx context.Context, tenant, instrument string) (*model.LatestPrice, error) {
	var row latestRow
	q := `SELECT tenant_id, instrument_id, price, volume, event_time_ms, source,
			quality_flags, snapshot_at_ms
		FROM served_latest_current WHERE tenant_id = ? AND instrument_id = ?`
	err := d.GetContext(ctx, &row, d.Rebind(q), tenant, instrument)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current latest: %w", err)
	}
	return row.toLatest(), nil
}

// SampleLatestKeys returns up to limit (tenant, instrument) pairs from the
// current served table for the reconciliation sweep.
func (d *DB) SampleLatestKeys(ctx context.Context, limit int) ([][2]string, error) {
	var rows []struct {
		TenantID     string `db:"tenant_id"`
		InstrumentID string `db:"instrument_id"`
	}
	q := `SELECT tenant_id, instrument_id FROM served_latest_current LIMIT ?`
	if err := d.SelectContext(ctx, &rows, d.Rebind(q), limit); err != nil {
		return nil, fmt.Errorf("sample latest keys: %w", err)
	}
	out := make([][2]string, len(rows))
	for i, r := range rows {
		out[i] = [2]string{r.TenantID, r.InstrumentID}
	}
	return out, nil
}

type curveCurrentRow struct {
	TenantID      string `db:"tenant_id"`
	CurveID       string `db:"curve_id"`
	Horizon       string `db:"horizon"`
	Points        string `db:"points"`
	Interpolation string `db:"interpolation"`
	SnapshotAt    int64  `db:"snapshot_at_ms"`
}

// CurrentCurve returns the served curve snapshot for a key, or nil.
func (d *DB) CurrentCurve(ctx context.Context, tenant, curveID, horizon string) (*model.CurveSnapshot, error) {
	var row curveCurrentRow
	q := `SELECT tenant_id, curve_id, horizon, points, interpolation, snapshot_at_ms
		FROM served_curve_current WHERE tenant_id = ? AND curve_id = ? AND horizon = ?`
	err := d.GetContext(ctx, &row, d.Rebind(q), tenant, curveID, horizon)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current curve: %w", err)
	}
	s := &model.CurveSnapshot{
		TenantID:      row.TenantID,
		CurveID:       row.CurveID,
		Horizon:       row.Horizon,
		Interpolation: row.Interpolation,
		SnapshotAt:    time.UnixMilli(row.SnapshotAt).UTC(),
	}
	_ = json.Unmarshal([]byte(row.Points), &s.Points)
	return s, nil
}

// BasePoints returns the base curve points for one (tenant, curve, as_of)
// in tenor-ordinal order.
func (d *DB) BasePoints(ctx context.Context, tenant, curveID, asOf string) ([]model.CurvePoint, error) {
	var rows []struct {
		Tenor        string  `db:"tenor"`
		TenorOrdinal int     `db:"tenor_ordinal"`
		Price        float64 `db:"price"`
	}
	q := `SELECT tenor, tenor_ordinal, price FROM curves_base
		WHERE tenant_id = ? AND curve_id = ? AND as_of_date = ?
		ORDER BY tenor_ordinal ASC`
	if err := d.SelectContext(ctx, &rows, d.Rebind(q), tenant, curveID, asOf); err != nil {
		return nil, fmt.Errorf("base points: %w", err)
	}
	out := make([]model.CurvePoint, len(rows))
	for i, r := range rows {
		out[i] = model.CurvePoint{Tenor: r.Tenor, TenorOrdinal: r.TenorOrdinal, Price: r.Price}
	}
	return out, nil
}
