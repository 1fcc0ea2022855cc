package model

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// QualityFlag marks a validation outcome on a tick. The vocabulary is closed:
// downstream consumers switch on these values and unknown flags are rejected
// at the sink.
type QualityFlag string

const (
	FlagValid           QualityFlag = "VALID"
	FlagPriceNegative   QualityFlag = "PRICE_NEGATIVE"
	FlagPriceOutOfRange QualityFlag = "PRICE_OUT_OF_RANGE"
	FlagVolumeSpike     QualityFlag = "VOLUME_SPIKE"
	FlagLateArrival     QualityFlag = "LATE_ARRIVAL"
	FlagMissingMetadata QualityFlag = "MISSING_METADATA"
	FlagDuplicate       QualityFlag = "DUPLICATE"
)

// KnownFlag reports whether f belongs to the closed vocabulary.
func KnownFlag(f QualityFlag) bool {
	switch f {
	case FlagValid, FlagPriceNegative, FlagPriceOutOfRange, FlagVolumeSpike,
		FlagLateArrival, FlagMissingMetadata, FlagDuplicate:
		return true
	}
	return false
}

// Tick is the canonical market observation produced by the normalizer.
// (TenantID, InstrumentID, EventTime, SourceID) uniquely identifies a tick
// across the pipeline; EventTime carries millisecond precision in UTC.
// Immutable once emitted downstream.
type Tick struct {
	TenantID     string            `json:"tenant_id"`
	InstrumentID string            `json:"instrument_id"`
	EventTime    time.Time         `json:"event_time"`
	Price        float64           `json:"price"`
	Volume       float64           `json:"volume"`
	SourceID     string            `json:"source_id"`
	QualityFlags []QualityFlag     `json:"quality_flags"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IdentityKey returns the pipeline-wide identity of this tick:
// "tenant|instrument|event_time_ms|source". Used for dedup and idempotent
// sink writes.
func (t *Tick) IdentityKey() string {
	return t.TenantID + "|" + t.InstrumentID + "|" +
		strconv.FormatInt(t.EventTime.UnixMilli(), 10) + "|" + t.SourceID
}

// RouteKey returns the partition routing key: "tenant|instrument".
// All events for one key land on one partition so per-key state stays local.
func (t *Tick) RouteKey() string {
	return t.TenantID + "|" + t.InstrumentID
}

// AddFlag appends a flag if not already present.
func (t *Tick) AddFlag(f QualityFlag) {
	for _, have := range t.QualityFlags {
		if have == f {
			return
		}
	}
	t.QualityFlags = append(t.QualityFlags, f)
}

// HasFlag reports whether the tick carries f.
func (t *Tick) HasFlag(f QualityFlag) bool {
	for _, have := range t.QualityFlags {
		if have == f {
			return true
		}
	}
	return false
}

// FinalizeFlags enforces the invariant that every tick carries at least one
// flag: if no non-VALID flag was added, the tick is VALID.
func (t *Tick) FinalizeFlags() {
	if len(t.QualityFlags) == 0 {
		t.QualityFlags = []QualityFlag{FlagValid}
	}
}

// PriceFinite reports whether the price is a usable finite number.
func (t *Tick) PriceFinite() bool {
	return !math.IsNaN(t.Price) && !math.IsInf(t.Price, 0)
}

// JSON returns the JSON-encoded tick (ignoring errors for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
