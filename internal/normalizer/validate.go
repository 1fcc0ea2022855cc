package normalizer

import (
	"fmt"
	"time"

	"refinery/internal/model"
)

// ValidatorConfig carries the validation thresholds.
type ValidatorConfig struct {
	ClockSkew  time.Duration        // max future drift before rejection
	Lateness   time.Duration        // wall-clock age that earns LATE_ARRIVAL
	PriceBands map[string]PriceBand // keyed by instrument, "default" fallback
}

// PriceBand is the plausible price range for an instrument.
type PriceBand struct {
	Min float64
	Max float64
}

// Validator applies the quality rules to a parsed tick. Rules only add
// flags; the sole fatal outcome is a schema-level failure, which the
// parsers raise before validation runs.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate applies the rules in order and finalizes the flag set. The
// returned error is non-nil only for violations no flag can express
// (non-finite price, event time further in the future than the allowed
// skew); those are schema violations.
func (v *Validator) Validate(t *model.Tick, now time.Time) error {
	if !t.PriceFinite() {
		return fmt.Errorf("%w: non-finite price", ErrSchemaViolation)
	}
	if v.cfg.ClockSkew > 0 && t.EventTime.After(now.Add(v.cfg.ClockSkew)) {
		return fmt.Errorf("%w: event time %s beyond clock skew", ErrSchemaViolation,
			t.EventTime.Format(time.RFC3339Nano))
	}

	if t.Price < 0 {
		t.AddFlag(model.FlagPriceNegative)
	}
	if band, ok := v.band(t.InstrumentID); ok {
		if t.Price < band.Min || t.Price > band.Max {
			t.AddFlag(model.FlagPriceOutOfRange)
		}
	}
	if t.Volume < 0 {
		t.AddFlag(model.FlagVolumeSpike)
	}
	if v.cfg.Lateness > 0 && now.Sub(t.EventTime) > v.cfg.Lateness {
		t.AddFlag(model.FlagLateArrival)
	}

	t.FinalizeFlags()
	return nil
}

func (v *Validator) band(instrumentID string) (PriceBand, bool) {
	if band, ok := v.cfg.PriceBands[instrumentID]; ok {
		return band, true
	}
	band, ok := v.cfg.PriceBands["default"]
	return band, ok
}
