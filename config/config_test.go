package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Bus.Partitions != 1 {
		t.Errorf("partitions = %d", cfg.Bus.Partitions)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Retry.MaxAttempts)
	}
	intervals, err := cfg.Intervals()
	if err != nil {
		t.Fatalf("intervals: %v", err)
	}
	if len(intervals) != 4 {
		t.Errorf("intervals = %v", cfg.Window.Intervals)
	}
	if cfg.Curves.Interpolation != "linear" {
		t.Errorf("interpolation = %q", cfg.Curves.Interpolation)
	}
}

// Stages must land in distinct consumer groups: members of one group split
// a stream, so a shared group would hand each message on a shared topic to
// only one of the stages consuming it.
func TestConsumerGroup_PerStage(t *testing.T) {
	cfg := Default()
	agg := cfg.ConsumerGroup("aggregator")
	proj := cfg.ConsumerGroup("projector")
	if agg != "refinery-aggregator" {
		t.Errorf("group = %q", agg)
	}
	if agg == proj {
		t.Errorf("stages share group %q", agg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis.internal:6380
bus:
  partitions: 4
window:
  intervals: ["1m", "1h"]
normalizer:
  price_bands:
    NG:
      min: 0.5
      max: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Bus.Partitions != 4 {
		t.Errorf("overrides not applied: %+v", cfg.Redis)
	}
	if len(cfg.Window.Intervals) != 2 {
		t.Errorf("intervals = %v", cfg.Window.Intervals)
	}
	// Untouched sections keep their defaults.
	if cfg.Batch.MaxSize != 500 {
		t.Errorf("batch max size = %d", cfg.Batch.MaxSize)
	}
	if cfg.Normalizer.PriceBands["NG"].Max != 50 {
		t.Errorf("bands = %v", cfg.Normalizer.PriceBands)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "redis:\n  addr: x\n  cluster_mode: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "env-redis:6379" || cfg.Log.Level != "debug" {
		t.Errorf("env overrides not applied: %s / %s", cfg.Redis.Addr, cfg.Log.Level)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero partitions", func(c *Config) { c.Bus.Partitions = 0 }},
		{"zero batch size", func(c *Config) { c.Batch.MaxSize = 0 }},
		{"zero poll records", func(c *Config) { c.Consumer.MaxPollRecords = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"backoff max below base", func(c *Config) { c.Retry.Backoff.BaseMS = 1000; c.Retry.Backoff.MaxMS = 10 }},
		{"no intervals", func(c *Config) { c.Window.Intervals = nil }},
		{"bad interval", func(c *Config) { c.Window.Intervals = []string{"fortnight"} }},
		{"negative grace", func(c *Config) { c.Window.GraceMS = -1 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Local.Capacity = 0 }},
		{"sample rate above 1", func(c *Config) { c.Reconcile.SampleRate = 1.5 }},
		{"bad driver", func(c *Config) { c.Analytic.Driver = "oracle" }},
		{"inverted band", func(c *Config) { c.Normalizer.PriceBands = map[string]Band{"NG": {Min: 10, Max: 1}} }},
		{"bad synth interval", func(c *Config) { c.Curves.SynthInterval = "always" }},
		{"unknown interpolation", func(c *Config) { c.Curves.Interpolation = "cubic" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestValidate_DefaultsPass(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
