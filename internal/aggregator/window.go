// Package aggregator folds enriched ticks into OHLC bars per
// (tenant, instrument, interval) window and maintains forward-curve tables.
// Window state is per routing key and reconstructible from the silver tick
// table, so a crash loses nothing that a bounded replay cannot rebuild.
package aggregator

import (
	"time"

	"refinery/internal/model"
)

// tickOrd is the deterministic fold order within a window: event time with
// source id as the stable tiebreaker.
type tickOrd struct {
	ms     int64
	source string
}

func ordOf(t *model.Tick) tickOrd {
	return tickOrd{ms: t.EventTime.UnixMilli(), source: t.SourceID}
}

func (a tickOrd) before(b tickOrd) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.source < b.source
}

// WindowState is the running OHLC fold for one open window. Open tracks the
// tick at the minimum (event_time, source_id), Close the maximum, so the fold
// result is independent of arrival order.
type WindowState struct {
	Key model.WindowKey

	open, high, low, close_ float64
	volume                  float64
	count                   int64
	openOrd, closeOrd       tickOrd
	flags                   []model.QualityFlag
}

// NewWindowState creates an empty window.
func NewWindowState(key model.WindowKey) *WindowState {
	return &WindowState{Key: key}
}

// Fold merges one tick. Commutative up to the (event_time, source_id) order:
// any permutation of the same tick set yields the same bar.
func (w *WindowState) Fold(t *model.Tick) {
	ord := ordOf(t)
	if w.count == 0 {
		w.open, w.close_ = t.Price, t.Price
		w.high, w.low = t.Price, t.Price
		w.openOrd, w.closeOrd = ord, ord
	} else {
		if ord.before(w.openOrd) {
			w.open = t.Price
			w.openOrd = ord
		}
		if w.closeOrd.before(ord) {
			w.close_ = t.Price
			w.closeOrd = ord
		}
		if t.Price > w.high {
			w.high = t.Price
		}
		if t.Price < w.low {
			w.low = t.Price
		}
	}
	w.volume += t.Volume
	w.count++
	for _, f := range t.QualityFlags {
		if f != model.FlagValid {
			w.addFlag(f)
		}
	}
}

func (w *WindowState) addFlag(f model.QualityFlag) {
	for _, have := range w.flags {
		if have == f {
			return
		}
	}
	w.flags = append(w.flags, f)
}

// Count returns the number of ticks folded so far.
func (w *WindowState) Count() int64 { return w.count }

// Bar materializes the fold at the given revision.
func (w *WindowState) Bar(revision int64) *model.Bar {
	return &model.Bar{
		TenantID:     w.Key.TenantID,
		InstrumentID: w.Key.InstrumentID,
		Interval:     w.Key.Interval.Label(),
		WindowStart:  w.Key.Start(),
		Open:         w.open,
		High:         w.high,
		Low:          w.low,
		Close:        w.close_,
		Volume:       w.volume,
		TradeCount:   w.count,
		OpenTime:     time.UnixMilli(w.openOrd.ms).UTC(),
		CloseTime:    time.UnixMilli(w.closeOrd.ms).UTC(),
		Revision:     revision,
		QualityFlags: w.flags,
	}
}
