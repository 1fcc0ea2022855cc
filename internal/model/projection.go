package model

import (
	"encoding/json"
	"time"
)

// LatestPrice is the served latest-price projection for one
// (tenant, instrument). Monotonic in EventTime: an event older than the
// stored EventTime never overwrites.
type LatestPrice struct {
	TenantID     string        `json:"tenant_id"`
	InstrumentID string        `json:"instrument_id"`
	Price        float64       `json:"price"`
	Volume       float64       `json:"volume"`
	EventTime    time.Time     `json:"event_time"`
	Source       string        `json:"source"`
	QualityFlags []QualityFlag `json:"quality_flags,omitempty"`
	SnapshotAt   time.Time     `json:"snapshot_at"`
}

// CacheKey returns the hot-cache key for this entry.
func (p *LatestPrice) CacheKey() string {
	return "served:latest:" + p.TenantID + ":" + p.InstrumentID
}

// RouteKey returns the partition routing key.
func (p *LatestPrice) RouteKey() string { return p.TenantID + "|" + p.InstrumentID }

// JSON returns the JSON-encoded entry.
func (p *LatestPrice) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}

// CurveSnapshot is the served curve projection for one
// (tenant, curve, horizon). Monotonic in SnapshotAt.
type CurveSnapshot struct {
	TenantID      string       `json:"tenant_id"`
	CurveID       string       `json:"curve_id"`
	Horizon       string       `json:"horizon"`
	Points        []CurvePoint `json:"curve_points"`
	Interpolation string       `json:"interpolation_method"`
	SnapshotAt    time.Time    `json:"snapshot_at"`
}

// CacheKey returns the hot-cache key for this entry.
func (s *CurveSnapshot) CacheKey() string {
	return "served:curve:" + s.TenantID + ":" + s.CurveID + ":" + s.Horizon
}

// JSON returns the JSON-encoded snapshot.
func (s *CurveSnapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Invalidation asks the projector to drop (and optionally rebuild) the served
// entries for one instrument. At-least-once: repeated invalidations are safe.
type Invalidation struct {
	TenantID     string    `json:"tenant_id"`
	InstrumentID string    `json:"instrument_id"`
	Rebuild      bool      `json:"rebuild"`
	RequestedAt  time.Time `json:"requested_at"`
}

// RouteKey returns the partition routing key.
func (i *Invalidation) RouteKey() string { return i.TenantID + "|" + i.InstrumentID }

// BackfillRequest asks the aggregator or projector to rebuild a historical
// range from the analytical store.
type BackfillRequest struct {
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id"`
	InstrumentID string    `json:"instrument_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}

// JobStatus is periodic worker progress published for operator tooling.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	DeadLett  int64     `json:"dead_lettered"`
	At        time.Time `json:"at"`
}
