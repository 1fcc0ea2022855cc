package aggregator

import (
	"sort"
	"time"

	"refinery/internal/model"
)

// EngineConfig sets the window semantics.
type EngineConfig struct {
	Intervals     []model.Interval
	MaxOutOfOrder time.Duration // watermark lag behind max event time
	Grace         time.Duration // extra slack past window end before close
	LateLookback  time.Duration // recompute horizon for late ticks
}

// Engine owns the window-state map and per-key watermarks. Accessed only by
// the goroutine owning the partition, so no locking in steady state.
type Engine struct {
	cfg        EngineConfig
	windows    map[model.WindowKey]*WindowState
	watermarks map[string]time.Time // routing key → watermark, never decreases
}

// NewEngine creates an empty engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:        cfg,
		windows:    make(map[model.WindowKey]*WindowState),
		watermarks: make(map[string]time.Time),
	}
}

// Outcome is what one observed tick did to the window map.
type Outcome struct {
	Closed    []*WindowState    // windows now eligible to close, eviction done
	Recompute []model.WindowKey // already-closed windows a late tick falls into, within lookback
	Skipped   []model.WindowKey // late beyond lookback; silver only
}

// OpenWindows returns the number of open windows (gauge input).
func (e *Engine) OpenWindows() int { return len(e.windows) }

// Watermark returns the current watermark for a routing key.
func (e *Engine) Watermark(routeKey string) time.Time { return e.watermarks[routeKey] }

// closable reports whether a window may close under the key's watermark:
// watermark ≥ window_end + grace.
func (e *Engine) closable(key model.WindowKey, wm time.Time) bool {
	return !wm.Before(key.End().Add(e.cfg.Grace))
}

// Observe folds one tick into every enabled interval, advances the key's
// watermark, and closes whatever became eligible. now is the wall clock used
// for the late-lookback decision.
func (e *Engine) Observe(t *model.Tick, now time.Time) Outcome {
	rk := t.RouteKey()
	wm := e.watermarks[rk]
	if candidate := t.EventTime.Add(-e.cfg.MaxOutOfOrder); candidate.After(wm) {
		wm = candidate
		e.watermarks[rk] = wm
	}

	var out Outcome
	for _, iv := range e.cfg.Intervals {
		key := model.NewWindowKey(t, iv)
		if st, ok := e.windows[key]; ok {
			st.Fold(t)
			continue
		}
		if e.closable(key, wm) {
			// The window already closed without this tick.
			if now.Sub(t.EventTime) <= e.cfg.LateLookback {
				out.Recompute = append(out.Recompute, key)
			} else {
				out.Skipped = append(out.Skipped, key)
			}
			continue
		}
		st := NewWindowState(key)
		st.Fold(t)
		e.windows[key] = st
	}

	out.Closed = e.closeEligible(t.TenantID, t.InstrumentID, wm)
	return out
}

// CloseDue closes every window whose grace deadline has passed on the wall
// clock, so a key that stops ticking still emits its bars. Each affected
// key's watermark advances to the deadline, keeping later ticks for those
// windows on the late path.
func (e *Engine) CloseDue(now time.Time) []*WindowState {
	var closed []*WindowState
	for key, st := range e.windows {
		deadline := key.End().Add(e.cfg.Grace)
		if now.Before(deadline) {
			continue
		}
		e.AdvanceWatermark(key.TenantID+"|"+key.InstrumentID, deadline)
		closed = append(closed, st)
		delete(e.windows, key)
	}
	sort.Slice(closed, func(i, j int) bool {
		a, b := closed[i].Key, closed[j].Key
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.Interval != b.Interval {
			return a.Interval < b.Interval
		}
		return a.WindowStart < b.WindowStart
	})
	return closed
}

// Restore re-registers a rebuilt window without watermark movement. Used when
// replaying silver ticks after a restart.
func (e *Engine) Restore(st *WindowState) {
	e.windows[st.Key] = st
}

// AdvanceWatermark seeds the watermark for a key, only ever forward.
func (e *Engine) AdvanceWatermark(routeKey string, to time.Time) {
	if to.After(e.watermarks[routeKey]) {
		e.watermarks[routeKey] = to
	}
}

// closeEligible evicts and returns every closable window for one key, in
// (interval, window start) order so emission is deterministic.
func (e *Engine) closeEligible(tenant, instrument string, wm time.Time) []*WindowState {
	var closed []*WindowState
	for key, st := range e.windows {
		if key.TenantID != tenant || key.InstrumentID != instrument {
			continue
		}
		if e.closable(key, wm) {
			closed = append(closed, st)
			delete(e.windows, key)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		a, b := closed[i].Key, closed[j].Key
		if a.Interval != b.Interval {
			return a.Interval < b.Interval
		}
		return a.WindowStart < b.WindowStart
	})
	return closed
}
