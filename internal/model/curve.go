package model

import (
	"encoding/json"
	"time"
)

// CurvePoint is one tenor bucket on a forward curve.
type CurvePoint struct {
	Tenor        string  `json:"tenor"`
	TenorOrdinal int     `json:"tenor_ordinal"`
	Price        float64 `json:"price"`
}

// CurveUpdate carries a full or incremental set of points for one
// (curve_id, as_of_date). Within one (tenant, curve_id, as_of_date) the
// latest received write wins per tenor.
type CurveUpdate struct {
	TenantID   string       `json:"tenant_id"`
	CurveID    string       `json:"curve_id"`
	AsOfDate   string       `json:"as_of_date"` // YYYY-MM-DD
	Points     []CurvePoint `json:"points"`
	Full       bool         `json:"full"` // full replacement vs incremental merge
	SnapshotAt time.Time    `json:"snapshot_at"`

	// Interpolation is set when the points are a computed curve rather than
	// raw base points.
	Interpolation string `json:"interpolation,omitempty"`
}

// RouteKey returns the partition routing key for curve updates.
func (u *CurveUpdate) RouteKey() string { return u.TenantID + "|" + u.CurveID }

// JSON returns the JSON-encoded update.
func (u *CurveUpdate) JSON() []byte {
	b, _ := json.Marshal(u)
	return b
}

// ComputedCurve is an interpolated curve produced by the aggregator's curve
// builder from base points.
type ComputedCurve struct {
	TenantID      string       `json:"tenant_id"`
	CurveID       string       `json:"curve_id"`
	AsOfDate      string       `json:"as_of_date"`
	Points        []CurvePoint `json:"points"`
	Interpolation string       `json:"interpolation"`
	Confidence    float64      `json:"confidence"`
	ComputedAt    time.Time    `json:"computed_at"`
}

// JSON returns the JSON-encoded computed curve.
func (c *ComputedCurve) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
