package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Interval is a bar aggregation window length. The enabled set is
// configuration; nothing in the pipeline hard-codes a particular interval.
type Interval time.Duration

// ParseInterval parses labels like "1m", "5m", "1h", "1d".
func ParseInterval(s string) (Interval, error) {
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	switch unit {
	case 's':
		return Interval(time.Duration(n) * time.Second), nil
	case 'm':
		return Interval(time.Duration(n) * time.Minute), nil
	case 'h':
		return Interval(time.Duration(n) * time.Hour), nil
	case 'd':
		return Interval(time.Duration(n) * 24 * time.Hour), nil
	}
	return 0, fmt.Errorf("invalid interval unit %q", s)
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration { return time.Duration(i) }

// Label renders the interval in topic/table form: "1m", "5m", "1h", "1d".
func (i Interval) Label() string {
	d := time.Duration(i)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	default:
		return strconv.Itoa(int(d/time.Second)) + "s"
	}
}

// Floor returns the window start for ts: event time floored to the interval
// boundary in UTC.
func (i Interval) Floor(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Duration(i))
}

// WindowKey identifies one aggregation window. Comparable, so it serves as
// the window-state map key; WindowStart is unix milliseconds of the floored
// boundary.
type WindowKey struct {
	TenantID     string
	InstrumentID string
	Interval     Interval
	WindowStart  int64
}

// NewWindowKey derives the window key for a tick under interval i.
func NewWindowKey(t *Tick, i Interval) WindowKey {
	return WindowKey{
		TenantID:     t.TenantID,
		InstrumentID: t.InstrumentID,
		Interval:     i,
		WindowStart:  i.Floor(t.EventTime).UnixMilli(),
	}
}

// Start returns the window start as a time.
func (k WindowKey) Start() time.Time { return time.UnixMilli(k.WindowStart).UTC() }

// End returns the exclusive window end.
func (k WindowKey) End() time.Time { return k.Start().Add(k.Interval.Duration()) }

// Bar is the OHLC aggregate of all ticks in one window, folded in
// (event_time, source_id) order. Revision increments each time a closed bar
// is recomputed for a late arrival within the lookback horizon.
type Bar struct {
	TenantID     string        `json:"tenant_id"`
	InstrumentID string        `json:"instrument_id"`
	Interval     string        `json:"interval"`
	WindowStart  time.Time     `json:"window_start"`
	Open         float64       `json:"open"`
	High         float64       `json:"high"`
	Low          float64       `json:"low"`
	Close        float64       `json:"close"`
	Volume       float64       `json:"volume"`
	TradeCount   int64         `json:"trade_count"`
	OpenTime     time.Time     `json:"open_time"`
	CloseTime    time.Time     `json:"close_time"`
	Revision     int64         `json:"revision"`
	QualityFlags []QualityFlag `json:"quality_flags,omitempty"`
}

// RouteKey returns the partition routing key: "tenant|instrument".
func (b *Bar) RouteKey() string {
	return b.TenantID + "|" + b.InstrumentID
}

// JSON returns the JSON-encoded bar.
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}
