package normalizer

import (
	"math"
	"testing"
	"time"

	"refinery/internal/model"
)

func testValidator() *Validator {
	return NewValidator(ValidatorConfig{
		ClockSkew: 5 * time.Second,
		Lateness:  time.Minute,
		PriceBands: map[string]PriceBand{
			"NG":      {Min: 0.5, Max: 50},
			"default": {Min: 0, Max: 100000},
		},
	})
}

func TestValidate_CleanTickIsValid(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := model.Tick{TenantID: "t1", InstrumentID: "NG", EventTime: now.Add(-time.Second), Price: 3.5, Volume: 10, SourceID: "s"}
	if err := testValidator().Validate(&tk, now); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(tk.QualityFlags) != 1 || tk.QualityFlags[0] != model.FlagValid {
		t.Errorf("flags = %v, want [VALID]", tk.QualityFlags)
	}
}

func TestValidate_NegativePriceFlagsAndContinues(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := model.Tick{TenantID: "t1", InstrumentID: "NG", EventTime: now, Price: -1, Volume: 10, SourceID: "s"}
	if err := testValidator().Validate(&tk, now); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !tk.HasFlag(model.FlagPriceNegative) {
		t.Error("PRICE_NEGATIVE not set")
	}
	// Below the NG band too.
	if !tk.HasFlag(model.FlagPriceOutOfRange) {
		t.Error("PRICE_OUT_OF_RANGE not set")
	}
	if tk.HasFlag(model.FlagValid) {
		t.Error("VALID set alongside violation flags")
	}
}

func TestValidate_BandFallsBackToDefault(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := model.Tick{TenantID: "t1", InstrumentID: "XX", EventTime: now, Price: 200000, Volume: 1, SourceID: "s"}
	if err := testValidator().Validate(&tk, now); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !tk.HasFlag(model.FlagPriceOutOfRange) {
		t.Error("default band not applied")
	}
}

func TestValidate_LateArrivalAndVolume(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := model.Tick{TenantID: "t1", InstrumentID: "NG", EventTime: now.Add(-2 * time.Minute), Price: 3.5, Volume: -5, SourceID: "s"}
	if err := testValidator().Validate(&tk, now); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !tk.HasFlag(model.FlagLateArrival) || !tk.HasFlag(model.FlagVolumeSpike) {
		t.Errorf("flags = %v", tk.QualityFlags)
	}
}

func TestValidate_SchemaLevelRejections(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	v := testValidator()

	nan := model.Tick{TenantID: "t1", InstrumentID: "NG", EventTime: now, Price: math.NaN(), Volume: 1, SourceID: "s"}
	if err := v.Validate(&nan, now); err == nil {
		t.Error("NaN price accepted")
	}
	future := model.Tick{TenantID: "t1", InstrumentID: "NG", EventTime: now.Add(time.Minute), Price: 3.5, Volume: 1, SourceID: "s"}
	if err := v.Validate(&future, now); err == nil {
		t.Error("event time beyond clock skew accepted")
	}
	// Inside the allowed skew is fine.
	nearFuture := model.Tick{TenantID: "t1", InstrumentID: "NG", EventTime: now.Add(2 * time.Second), Price: 3.5, Volume: 1, SourceID: "s"}
	if err := v.Validate(&nearFuture, now); err != nil {
		t.Errorf("within skew rejected: %v", err)
	}
}
