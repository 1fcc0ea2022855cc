package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"refinery/internal/model"
	"refinery/internal/store/analytic"
)

// Interpolator fills gaps between base curve points. Implementations must be
// deterministic: same base points, same output.
type Interpolator interface {
	Name() string
	Interpolate(points []model.CurvePoint) []model.CurvePoint
}

// NewInterpolator returns the named strategy. Only "linear" is built in;
// the name is validated at startup.
func NewInterpolator(name string) (Interpolator, error) {
	switch name {
	case "", "linear":
		return LinearInterpolator{}, nil
	}
	return nil, fmt.Errorf("unknown interpolation %q", name)
}

// LinearInterpolator fills missing tenor ordinals by linear interpolation
// between the neighboring base points.
type LinearInterpolator struct{}

// Name implements Interpolator.
func (LinearInterpolator) Name() string { return "linear" }

// Interpolate implements Interpolator. Input need not be sorted; output is
// sorted by tenor ordinal with one point per ordinal between the base
// extremes. Synthesized points carry a generated tenor label.
func (LinearInterpolator) Interpolate(points []model.CurvePoint) []model.CurvePoint {
	if len(points) < 2 {
		return append([]model.CurvePoint(nil), points...)
	}
	base := append([]model.CurvePoint(nil), points...)
	sort.Slice(base, func(i, j int) bool { return base[i].TenorOrdinal < base[j].TenorOrdinal })

	out := make([]model.CurvePoint, 0, base[len(base)-1].TenorOrdinal-base[0].TenorOrdinal+1)
	for i := 0; i < len(base)-1; i++ {
		a, b := base[i], base[i+1]
		out = append(out, a)
		span := b.TenorOrdinal - a.TenorOrdinal
		for ord := a.TenorOrdinal + 1; ord < b.TenorOrdinal; ord++ {
			frac := float64(ord-a.TenorOrdinal) / float64(span)
			out = append(out, model.CurvePoint{
				Tenor:        fmt.Sprintf("T%d", ord),
				TenorOrdinal: ord,
				Price:        a.Price + (b.Price-a.Price)*frac,
			})
		}
	}
	return append(out, base[len(base)-1])
}

// CurveBuilder maintains base curve points and produces interpolated curves.
// Fed by the aggregator's secondary consumer (external curve updates) and by
// bar synthesis.
type CurveBuilder struct {
	db      *analytic.DB
	batcher *analytic.Batcher
	interp  Interpolator
}

// NewCurveBuilder assembles a builder.
func NewCurveBuilder(db *analytic.DB, batcher *analytic.Batcher, interp Interpolator) *CurveBuilder {
	return &CurveBuilder{db: db, batcher: batcher, interp: interp}
}

// Apply merges an update into the base table and recomputes the curve.
// The update's points overlay the stored base (replace it entirely when
// Full); confidence is the share of computed points backed by a base point.
func (cb *CurveBuilder) Apply(ctx context.Context, u *model.CurveUpdate) (*model.ComputedCurve, error) {
	for _, p := range u.Points {
		if err := cb.batcher.Accept(analytic.CurvePointUpsert(u, p)); err != nil {
			return nil, fmt.Errorf("accept curve point: %w", err)
		}
	}

	base, err := cb.mergedBase(ctx, u)
	if err != nil {
		return nil, err
	}
	if len(base) == 0 {
		return nil, nil
	}

	computed := &model.ComputedCurve{
		TenantID:      u.TenantID,
		CurveID:       u.CurveID,
		AsOfDate:      u.AsOfDate,
		Points:        cb.interp.Interpolate(base),
		Interpolation: cb.interp.Name(),
		ComputedAt:    time.Now().UTC(),
	}
	if n := len(computed.Points); n > 0 {
		computed.Confidence = float64(len(base)) / float64(n)
	}
	if err := cb.batcher.Accept(analytic.ComputedCurveUpsert(computed)); err != nil {
		return nil, fmt.Errorf("accept computed curve: %w", err)
	}
	return computed, nil
}

// mergedBase is the stored base overlaid with the update's points. The
// batcher flushes asynchronously, so the overlay keeps the computation
// current without waiting on the store.
func (cb *CurveBuilder) mergedBase(ctx context.Context, u *model.CurveUpdate) ([]model.CurvePoint, error) {
	byTenor := make(map[string]model.CurvePoint)
	if !u.Full {
		stored, err := cb.db.BasePoints(ctx, u.TenantID, u.CurveID, u.AsOfDate)
		if err != nil {
			return nil, fmt.Errorf("base points: %w", err)
		}
		for _, p := range stored {
			byTenor[p.Tenor] = p
		}
	}
	for _, p := range u.Points {
		byTenor[p.Tenor] = p
	}
	out := make([]model.CurvePoint, 0, len(byTenor))
	for _, p := range byTenor {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenorOrdinal < out[j].TenorOrdinal })
	return out, nil
}

// SynthUpdate derives a spot curve point from a closed bar. Curve id is the
// instrument, tenor SPOT at ordinal 0, priced at the bar close.
func SynthUpdate(b *model.Bar) *model.CurveUpdate {
	return &model.CurveUpdate{
		TenantID: b.TenantID,
		CurveID:  b.InstrumentID,
		AsOfDate: b.WindowStart.Format("2006-01-02"),
		Points: []model.CurvePoint{
			{Tenor: "SPOT", TenorOrdinal: 0, Price: b.Close},
		},
		SnapshotAt: b.CloseTime,
	}
}
