package model

import (
	"encoding/json"
	"time"
)

// TierUnknown is the sentinel taxonomy tier used when reference lookup or
// classification cannot resolve a dimension.
const TierUnknown = "unknown"

// EnrichedTick is a canonical tick plus taxonomy classification.
// Tiers are drawn from the reference taxonomy; Confidence is in [0,1].
type EnrichedTick struct {
	Tick

	CommodityTier string  `json:"commodity_tier"`
	RegionTier    string  `json:"region_tier"`
	ProductTier   string  `json:"product_tier"`
	Confidence    float64 `json:"confidence"`
}

// Unclassified returns e with all tiers set to the unknown sentinel and zero
// confidence, flagged MISSING_METADATA. Used when the reference lookup fails.
func Unclassified(t Tick) EnrichedTick {
	t.AddFlag(FlagMissingMetadata)
	return EnrichedTick{
		Tick:          t,
		CommodityTier: TierUnknown,
		RegionTier:    TierUnknown,
		ProductTier:   TierUnknown,
		Confidence:    0,
	}
}

// JSON returns the JSON-encoded enriched tick.
func (e *EnrichedTick) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ReferenceRecord is the instrument metadata owned by the external reference
// store. UpdatedAt drives cache coherence: cached snapshots older than the
// store's UpdatedAt are invalidated by the refresher.
type ReferenceRecord struct {
	InstrumentID string    `json:"instrument_id" db:"instrument_id"`
	Commodity    string    `json:"commodity" db:"commodity"`
	Region       string    `json:"region" db:"region"`
	ProductTier  string    `json:"product_tier" db:"product_tier"`
	Unit         string    `json:"unit" db:"unit"`
	ContractSize float64   `json:"contract_size" db:"contract_size"`
	TickSize     float64   `json:"tick_size" db:"tick_size"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
