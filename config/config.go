// Package config loads worker configuration from a YAML file with
// environment overrides for infrastructure endpoints. Unknown keys are
// rejected; validation failures are fatal at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"refinery/internal/model"
)

// Config is the full per-worker configuration. Every recognized option is
// enumerated here; the YAML decoder runs with KnownFields so ad-hoc keys
// refuse to load.
type Config struct {
	Redis     Redis     `yaml:"redis"`
	Bus       Bus       `yaml:"bus"`
	Analytic  Analytic  `yaml:"analytic"`
	Reference Reference `yaml:"reference"`
	Health    Health    `yaml:"health"`
	Log       Log       `yaml:"log"`

	Batch      Batch      `yaml:"batch"`
	Consumer   Consumer   `yaml:"consumer"`
	Retry      Retry      `yaml:"retry"`
	Window     Window     `yaml:"window"`
	Cache      Cache      `yaml:"cache"`
	Projection Projection `yaml:"projection"`
	Reconcile  Reconcile  `yaml:"reconcile"`
	Normalizer Normalizer `yaml:"normalizer"`
	Enricher   Enricher   `yaml:"enricher"`
	Curves     Curves     `yaml:"curves"`
}

// Redis covers both the event bus and the hot cache.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Bus configures topic partitioning and stream retention. Partition count
// must match across every worker sharing a deployment.
type Bus struct {
	Partitions   int   `yaml:"partitions"`
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// Analytic configures the analytical store connection.
// Driver is "postgres" (lib/pq) or "sqlite3" (local/dev).
type Analytic struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Reference configures the reference store client.
type Reference struct {
	Driver               string  `yaml:"driver"`
	DSN                  string  `yaml:"dsn"`
	RefreshIntervalMS    int     `yaml:"refresh_interval_ms"`
	RefreshRatePerSec    float64 `yaml:"refresh_rate_per_sec"`
	QuarantineFailures   int     `yaml:"quarantine_failures"`
	QuarantineCooldownMS int     `yaml:"quarantine_cooldown_ms"`
}

// Health configures the health/metrics HTTP surface.
type Health struct {
	Addr          string `yaml:"addr"`
	CommitBoundMS int    `yaml:"commit_bound_ms"` // readiness: max age of last offset commit
}

// Log configures the zerolog root logger.
type Log struct {
	Level string `yaml:"level"`
}

// Batch configures the analytical writer.
type Batch struct {
	MaxSize       int `yaml:"max_size"`
	MaxIntervalMS int `yaml:"max_interval_ms"`
}

// Consumer configures bus polling and worker identity.
type Consumer struct {
	Group          string `yaml:"group"`
	Name           string `yaml:"name"`
	FetchMinBytes  int    `yaml:"fetch.min_bytes"`
	MaxPollRecords int    `yaml:"max_poll_records"`
	BlockMS        int    `yaml:"block_ms"`
	PELIntervalMS  int    `yaml:"pel_interval_ms"`
	PELMinIdleMS   int    `yaml:"pel_min_idle_ms"`
}

// Retry is the shared in-place retry policy before DLQ.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts"`
	Backoff     struct {
		BaseMS int `yaml:"base_ms"`
		MaxMS  int `yaml:"max_ms"`
	} `yaml:"backoff"`
}

// Window configures bar aggregation.
type Window struct {
	Intervals       []string `yaml:"intervals"`
	MaxOutOfOrderMS int      `yaml:"max_out_of_order_ms"`
	GraceMS         int      `yaml:"grace_ms"`
	LateLookbackMS  int      `yaml:"late_lookback_ms"`
}

// Cache configures the enricher's reference caches.
type Cache struct {
	Local struct {
		Capacity int `yaml:"capacity"`
		TTLMS    int `yaml:"ttl_ms"`
	} `yaml:"local"`
	Shared struct {
		TTLMS int `yaml:"ttl_ms"`
	} `yaml:"shared"`
	Negative struct {
		TTLMS int `yaml:"ttl_ms"`
	} `yaml:"negative"`
}

// Projection configures the served cache.
type Projection struct {
	TTLMS int `yaml:"ttl_ms"`
}

// Reconcile configures the projector's drift sweep.
type Reconcile struct {
	IntervalMS int     `yaml:"interval_ms"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Normalizer configures validation and dedup.
type Normalizer struct {
	Venues        []string        `yaml:"venues"`
	ClockSkewMS   int             `yaml:"clock_skew_ms"`
	LatenessMS    int             `yaml:"lateness_ms"`
	DedupCapacity int             `yaml:"dedup_capacity"`
	DedupWindowMS int             `yaml:"dedup_window_ms"`
	PriceBands    map[string]Band `yaml:"price_bands"` // keyed by instrument id; "default" is the fallback band
}

// Enricher configures taxonomy classification.
type Enricher struct {
	RuleFile string `yaml:"rule_file"` // YAML classification rules; empty = built-in defaults
}

// Curves configures the aggregator's curve builder.
type Curves struct {
	SynthInterval string `yaml:"synth_interval"` // bar interval that feeds spot curve points; empty disables
	Interpolation string `yaml:"interpolation"`  // "linear" is the only built-in
}

// Band is the plausible price range for one instrument.
type Band struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Load reads path, applies env overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Bus.Partitions = 1
	cfg.Bus.StreamMaxLen = 100_000
	cfg.Analytic.Driver = "sqlite3"
	cfg.Analytic.DSN = "data/refinery.db?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	cfg.Reference.Driver = "sqlite3"
	cfg.Reference.DSN = "data/reference.db"
	cfg.Reference.RefreshIntervalMS = 60_000
	cfg.Reference.RefreshRatePerSec = 50
	cfg.Reference.QuarantineFailures = 5
	cfg.Reference.QuarantineCooldownMS = 30_000
	cfg.Health.Addr = ":9090"
	cfg.Health.CommitBoundMS = 60_000
	cfg.Log.Level = "info"
	cfg.Batch.MaxSize = 500
	cfg.Batch.MaxIntervalMS = 200
	cfg.Consumer.Group = "refinery"
	cfg.Consumer.Name = hostnameOr("worker-1")
	cfg.Consumer.FetchMinBytes = 1
	cfg.Consumer.MaxPollRecords = 100
	cfg.Consumer.BlockMS = 2000
	cfg.Consumer.PELIntervalMS = 30_000
	cfg.Consumer.PELMinIdleMS = 60_000
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.Backoff.BaseMS = 100
	cfg.Retry.Backoff.MaxMS = 10_000
	cfg.Window.Intervals = []string{"1m", "5m", "1h", "1d"}
	cfg.Window.MaxOutOfOrderMS = 5_000
	cfg.Window.GraceMS = 10_000
	cfg.Window.LateLookbackMS = 300_000
	cfg.Cache.Local.Capacity = 10_000
	cfg.Cache.Local.TTLMS = 60_000
	cfg.Cache.Shared.TTLMS = 300_000
	cfg.Cache.Negative.TTLMS = 30_000
	cfg.Projection.TTLMS = 300_000
	cfg.Reconcile.IntervalMS = 60_000
	cfg.Reconcile.SampleRate = 0.05
	cfg.Normalizer.Venues = []string{"simfeed", "icefix", "nymex"}
	cfg.Normalizer.ClockSkewMS = 5_000
	cfg.Normalizer.LatenessMS = 60_000
	cfg.Normalizer.DedupCapacity = 100_000
	cfg.Normalizer.DedupWindowMS = 120_000
	cfg.Curves.Interpolation = "linear"
	return cfg
}

// applyEnv lets deployment override infrastructure endpoints without editing
// the config file.
func (c *Config) applyEnv() {
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Analytic.Driver = getEnv("ANALYTIC_DRIVER", c.Analytic.Driver)
	c.Analytic.DSN = getEnv("ANALYTIC_DSN", c.Analytic.DSN)
	c.Reference.Driver = getEnv("REFERENCE_DRIVER", c.Reference.Driver)
	c.Reference.DSN = getEnv("REFERENCE_DSN", c.Reference.DSN)
	c.Health.Addr = getEnv("HEALTH_ADDR", c.Health.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Consumer.Name = getEnv("CONSUMER_NAME", c.Consumer.Name)
}

// Validate refuses configurations that violate pipeline invariants.
// Failing here keeps the process from starting with a broken setup.
func (c *Config) Validate() error {
	if c.Bus.Partitions < 1 {
		return fmt.Errorf("config: bus.partitions must be at least 1, got %d", c.Bus.Partitions)
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("config: batch.max_size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxIntervalMS <= 0 {
		return fmt.Errorf("config: batch.max_interval_ms must be positive, got %d", c.Batch.MaxIntervalMS)
	}
	if c.Consumer.MaxPollRecords <= 0 {
		return fmt.Errorf("config: consumer.max_poll_records must be positive, got %d", c.Consumer.MaxPollRecords)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff.BaseMS <= 0 || c.Retry.Backoff.MaxMS < c.Retry.Backoff.BaseMS {
		return fmt.Errorf("config: retry.backoff base/max invalid (%d/%d)",
			c.Retry.Backoff.BaseMS, c.Retry.Backoff.MaxMS)
	}
	if len(c.Window.Intervals) == 0 {
		return fmt.Errorf("config: window.intervals must not be empty")
	}
	if _, err := c.Intervals(); err != nil {
		return err
	}
	if c.Window.MaxOutOfOrderMS < 0 || c.Window.GraceMS < 0 || c.Window.LateLookbackMS < 0 {
		return fmt.Errorf("config: window durations must be non-negative")
	}
	if c.Cache.Local.Capacity <= 0 {
		return fmt.Errorf("config: cache.local.capacity must be positive, got %d", c.Cache.Local.Capacity)
	}
	if c.Reconcile.SampleRate < 0 || c.Reconcile.SampleRate > 1 {
		return fmt.Errorf("config: reconcile.sample_rate must be in [0,1], got %g", c.Reconcile.SampleRate)
	}
	switch c.Analytic.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("config: analytic.driver must be postgres or sqlite3, got %q", c.Analytic.Driver)
	}
	for instrument, band := range c.Normalizer.PriceBands {
		if band.Min >= band.Max {
			return fmt.Errorf("config: price band for %q inverted (%g >= %g)", instrument, band.Min, band.Max)
		}
	}
	if c.Curves.SynthInterval != "" {
		if _, err := model.ParseInterval(c.Curves.SynthInterval); err != nil {
			return fmt.Errorf("config: curves.synth_interval: %w", err)
		}
	}
	if c.Curves.Interpolation != "" && c.Curves.Interpolation != "linear" {
		return fmt.Errorf("config: curves.interpolation %q not supported", c.Curves.Interpolation)
	}
	return nil
}

// ConsumerGroup derives the bus group for one stage. Stages get distinct
// groups so each sees every message on a shared topic; instances within a
// stage share the group and split the stream.
func (c *Config) ConsumerGroup(stage string) string {
	return c.Consumer.Group + "-" + stage
}

// Intervals parses the enabled bar intervals.
func (c *Config) Intervals() ([]model.Interval, error) {
	out := make([]model.Interval, 0, len(c.Window.Intervals))
	for _, s := range c.Window.Intervals {
		iv, err := model.ParseInterval(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("config: window.intervals: %w", err)
		}
		out = append(out, iv)
	}
	return out, nil
}

// Duration helpers keep millisecond config fields out of call sites.

func (c *Config) BatchMaxInterval() time.Duration {
	return time.Duration(c.Batch.MaxIntervalMS) * time.Millisecond
}
func (c *Config) MaxOutOfOrder() time.Duration {
	return time.Duration(c.Window.MaxOutOfOrderMS) * time.Millisecond
}
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Window.GraceMS) * time.Millisecond
}
func (c *Config) LateLookback() time.Duration {
	return time.Duration(c.Window.LateLookbackMS) * time.Millisecond
}
func (c *Config) ProjectionTTL() time.Duration {
	return time.Duration(c.Projection.TTLMS) * time.Millisecond
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
