// refinery runs one pipeline worker per invocation: normalizer, enricher,
// aggregator, projector, or the synthetic venue feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"refinery/config"
	"refinery/internal/aggregator"
	"refinery/internal/bus"
	"refinery/internal/enricher"
	"refinery/internal/feedsim"
	"refinery/internal/health"
	"refinery/internal/logging"
	"refinery/internal/metrics"
	"refinery/internal/model"
	"refinery/internal/normalizer"
	"refinery/internal/projector"
	"refinery/internal/refstore"
	"refinery/internal/runtime"
	"refinery/internal/store/analytic"
	"refinery/internal/store/hotcache"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "refinery",
		Short:        "Streaming market-data refinement pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	root.AddCommand(
		normalizerCmd(),
		enricherCmd(),
		aggregatorCmd(),
		projectorCmd(),
		feedsimCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the per-process wiring shared by every worker subcommand.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	redis *goredis.Client
	reg   *prometheus.Registry
	met   *metrics.Metrics
}

func setup(stage string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logging.Init("refinery-"+stage, cfg.Log.Level)

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	reg := prometheus.NewRegistry()
	return &app{cfg: cfg, log: log, redis: client, reg: reg, met: metrics.New(reg)}, nil
}

func (a *app) openAnalytic(intervals []model.Interval) (*analytic.DB, *analytic.Batcher, error) {
	db, err := analytic.Open(analytic.Config{
		Driver: a.cfg.Analytic.Driver,
		DSN:    a.cfg.Analytic.DSN,
	}, intervals)
	if err != nil {
		return nil, nil, err
	}
	batcher := analytic.NewBatcher(db, analytic.BatcherConfig{
		MaxSize:     a.cfg.Batch.MaxSize,
		MaxInterval: a.cfg.BatchMaxInterval(),
		OnFlush: func(n int, took time.Duration) {
			a.met.FlushDur.Observe(took.Seconds())
		},
	}, a.log)
	return db, batcher, nil
}

func (a *app) producer(stage string) *bus.Producer {
	return bus.NewProducer(a.redis, bus.ProducerConfig{
		Source:     stage,
		Partitions: a.cfg.Bus.Partitions,
		MaxLen:     a.cfg.Bus.StreamMaxLen,
	})
}

func (a *app) streams(topics ...string) []string {
	var out []string
	for _, t := range topics {
		out = append(out, bus.StreamsFor(t, a.cfg.Bus.Partitions)...)
	}
	return out
}

// runWorker wires the shared runtime around a stage processor and blocks
// until shutdown.
func (a *app) runWorker(ctx context.Context, stage string, streams []string,
	proc runtime.Processor, tick runtime.TickFunc, sink runtime.BatchSink,
	deps map[string]health.Pinger, background ...func(context.Context)) error {

	// Groups are per stage: stages each see every message on a shared topic,
	// while instances within a stage split it.
	consumer := bus.NewConsumer(a.redis, bus.ConsumerConfig{
		Group: a.cfg.ConsumerGroup(stage),
		Name:  a.cfg.Consumer.Name,
		Block: time.Duration(a.cfg.Consumer.BlockMS) * time.Millisecond,
		Count: int64(a.cfg.Consumer.MaxPollRecords),
	}, a.log)

	worker := runtime.New(runtime.Options{
		Stage:   stage,
		Streams: streams,
		Retry: runtime.RetryPolicy{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			BackoffBase: time.Duration(a.cfg.Retry.Backoff.BaseMS) * time.Millisecond,
			BackoffMax:  time.Duration(a.cfg.Retry.Backoff.MaxMS) * time.Millisecond,
		},
		Tick:           tick,
		TickInterval:   time.Second,
		PELInterval:    time.Duration(a.cfg.Consumer.PELIntervalMS) * time.Millisecond,
		PELMinIdle:     time.Duration(a.cfg.Consumer.PELMinIdleMS) * time.Millisecond,
		StatusInterval: 30 * time.Second,
		JobID:          stage + "-" + a.cfg.Consumer.Name,
	}, consumer, a.producer(stage), bus.NewDLQProducer(a.redis, stage, stage), sink, proc, a.met, a.log)

	if deps == nil {
		deps = map[string]health.Pinger{}
	}
	deps["redis"] = health.PingerFunc(func(ctx context.Context) error {
		return a.redis.Ping(ctx).Err()
	})
	healthSrv := health.New(a.cfg.Health.Addr,
		time.Duration(a.cfg.Health.CommitBoundMS)*time.Millisecond,
		worker.LastCommit, deps, a.reg, a.log)
	go healthSrv.Start(ctx)

	for _, f := range background {
		go f(ctx)
	}

	a.log.Info().Str("stage", stage).Strs("streams", streams).Msg("worker starting")
	return worker.Run(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func normalizerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalizer",
		Short: "Translate venue payloads into canonical quality-flagged ticks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(normalizer.Stage)
			if err != nil {
				return err
			}
			intervals, _ := a.cfg.Intervals()
			db, batcher, err := a.openAnalytic(intervals)
			if err != nil {
				return err
			}
			defer db.Close()
			defer batcher.Close()

			registry := normalizer.DefaultRegistry()
			bands := make(map[string]normalizer.PriceBand, len(a.cfg.Normalizer.PriceBands))
			for k, b := range a.cfg.Normalizer.PriceBands {
				bands[k] = normalizer.PriceBand{Min: b.Min, Max: b.Max}
			}
			validator := normalizer.NewValidator(normalizer.ValidatorConfig{
				ClockSkew:  time.Duration(a.cfg.Normalizer.ClockSkewMS) * time.Millisecond,
				Lateness:   time.Duration(a.cfg.Normalizer.LatenessMS) * time.Millisecond,
				PriceBands: bands,
			})
			dedup := normalizer.NewDeduper(a.cfg.Normalizer.DedupCapacity,
				time.Duration(a.cfg.Normalizer.DedupWindowMS)*time.Millisecond)
			proc := normalizer.New(registry, validator, dedup, batcher, a.met)

			var topics []string
			for _, venue := range a.cfg.Normalizer.Venues {
				topics = append(topics, bus.TopicRaw(venue))
			}

			ctx, stop := signalContext()
			defer stop()
			return a.runWorker(ctx, normalizer.Stage, a.streams(topics...),
				proc.Process, nil, batcher, map[string]health.Pinger{
					"analytic": health.PingerFunc(db.PingContext),
				})
		},
	}
}

func enricherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enricher",
		Short: "Attach reference metadata and taxonomy classification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(enricher.Stage)
			if err != nil {
				return err
			}
			intervals, _ := a.cfg.Intervals()
			db, batcher, err := a.openAnalytic(intervals)
			if err != nil {
				return err
			}
			defer db.Close()
			defer batcher.Close()

			refClient, err := refstore.Open(refstore.ClientConfig{
				Driver:     a.cfg.Reference.Driver,
				DSN:        a.cfg.Reference.DSN,
				RatePerSec: a.cfg.Reference.RefreshRatePerSec,
			})
			if err != nil {
				return err
			}
			defer refClient.Close()

			cache := refstore.NewLayered(refClient, a.redis, refstore.CacheConfig{
				LocalCapacity:      a.cfg.Cache.Local.Capacity,
				LocalTTL:           time.Duration(a.cfg.Cache.Local.TTLMS) * time.Millisecond,
				SharedTTL:          time.Duration(a.cfg.Cache.Shared.TTLMS) * time.Millisecond,
				NegativeTTL:        time.Duration(a.cfg.Cache.Negative.TTLMS) * time.Millisecond,
				QuarantineFailures: uint32(a.cfg.Reference.QuarantineFailures),
				QuarantineCooldown: time.Duration(a.cfg.Reference.QuarantineCooldownMS) * time.Millisecond,
			})
			cache.OnHit = func(layer string) { a.met.RefCacheHits.WithLabelValues(layer).Inc() }
			cache.OnMiss = func(layer string) { a.met.RefCacheMisses.WithLabelValues(layer).Inc() }
			cache.OnQuarantine = func() { a.met.RefQuarantined.Inc() }

			rules, err := enricher.LoadRules(a.cfg.Enricher.RuleFile)
			if err != nil {
				return err
			}
			proc := enricher.New(cache, rules, batcher)

			refresher := refstore.NewRefresher(cache, refClient,
				time.Duration(a.cfg.Reference.RefreshIntervalMS)*time.Millisecond, a.log)

			ctx, stop := signalContext()
			defer stop()
			return a.runWorker(ctx, enricher.Stage, a.streams(bus.TopicNormalizedTicks),
				proc.Process, nil, batcher, map[string]health.Pinger{
					"analytic":  health.PingerFunc(db.PingContext),
					"reference": health.PingerFunc(refClient.Ping),
				}, refresher.Run)
		},
	}
}

func aggregatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregator",
		Short: "Fold enriched ticks into OHLC bars and maintain curves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(aggregator.Stage)
			if err != nil {
				return err
			}
			intervals, err := a.cfg.Intervals()
			if err != nil {
				return err
			}
			db, batcher, err := a.openAnalytic(intervals)
			if err != nil {
				return err
			}
			defer db.Close()
			defer batcher.Close()

			engine := aggregator.NewEngine(aggregator.EngineConfig{
				Intervals:     intervals,
				MaxOutOfOrder: a.cfg.MaxOutOfOrder(),
				Grace:         a.cfg.Grace(),
				LateLookback:  a.cfg.LateLookback(),
			})
			interp, err := aggregator.NewInterpolator(a.cfg.Curves.Interpolation)
			if err != nil {
				return err
			}
			curves := aggregator.NewCurveBuilder(db, batcher, interp)
			proc := aggregator.New(engine, curves, db, batcher, a.met, a.cfg.Curves.SynthInterval)

			ctx, stop := signalContext()
			defer stop()

			restoreCtx, cancel := context.WithTimeout(ctx, time.Minute)
			err = proc.Restore(restoreCtx)
			cancel()
			if err != nil {
				return err
			}

			return a.runWorker(ctx, aggregator.Stage,
				a.streams(bus.TopicEnrichedTicks, bus.TopicCurveUpdates, bus.TopicBackfill),
				proc.Process, proc.Sweep, batcher, map[string]health.Pinger{
					"analytic": health.PingerFunc(db.PingContext),
				})
		},
	}
}

func projectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projector",
		Short: "Maintain served latest-price and curve-snapshot views",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(projector.Stage)
			if err != nil {
				return err
			}
			intervals, err := a.cfg.Intervals()
			if err != nil {
				return err
			}
			db, batcher, err := a.openAnalytic(intervals)
			if err != nil {
				return err
			}
			defer db.Close()
			defer batcher.Close()

			cache := hotcache.New(a.redis)
			writer := hotcache.NewBufferedWriter(cache, hotcache.BufferedWriterConfig{}, a.log)
			writer.OnBuffer = func() { a.met.BufferedWrites.Inc() }
			writer.OnState = func(state gobreaker.State) {
				switch state {
				case gobreaker.StateClosed:
					a.met.CacheBreakerState.Set(0)
				case gobreaker.StateOpen:
					a.met.CacheBreakerState.Set(1)
				case gobreaker.StateHalfOpen:
					a.met.CacheBreakerState.Set(2)
				}
			}

			proc := projector.New(cache, writer, db, batcher, a.met, a.cfg.ProjectionTTL())
			reconciler := projector.NewReconciler(db, cache, writer, a.producer(projector.Stage),
				a.met, a.log,
				time.Duration(a.cfg.Reconcile.IntervalMS)*time.Millisecond,
				a.cfg.Reconcile.SampleRate, a.cfg.ProjectionTTL())

			topics := []string{bus.TopicCurveUpdates, bus.TopicInvalidate, bus.TopicBackfill}
			for _, iv := range intervals {
				topics = append(topics, bus.TopicBars(iv.Label()))
			}

			ctx, stop := signalContext()
			defer stop()
			return a.runWorker(ctx, projector.Stage, a.streams(topics...),
				proc.Process, nil, batcher, map[string]health.Pinger{
					"analytic": health.PingerFunc(db.PingContext),
					"hotcache": health.PingerFunc(cache.Ping),
				}, reconciler.Run)
		},
	}
}

func feedsimCmd() *cobra.Command {
	var (
		addr        string
		tenant      string
		instruments string
		intervalMS  int
		startPrice  float64
	)
	cmd := &cobra.Command{
		Use:   "feedsim",
		Short: "Run the synthetic venue feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup("feedsim")
			if err != nil {
				return err
			}
			sim := feedsim.New(feedsim.Config{
				Addr:        addr,
				TenantID:    tenant,
				Instruments: strings.Split(instruments, ","),
				Interval:    time.Duration(intervalMS) * time.Millisecond,
				StartPrice:  startPrice,
			}, a.producer(feedsim.Venue), a.log)

			ctx, stop := signalContext()
			defer stop()
			return sim.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9001", "websocket listen address (empty disables)")
	cmd.Flags().StringVar(&tenant, "tenant", "t1", "tenant id stamped on generated ticks")
	cmd.Flags().StringVar(&instruments, "instruments", "NG,CL,BRN", "comma-separated instrument ids")
	cmd.Flags().IntVar(&intervalMS, "interval-ms", 100, "emission interval per instrument")
	cmd.Flags().Float64Var(&startPrice, "start-price", 100, "starting price for the random walk")
	return cmd
}
