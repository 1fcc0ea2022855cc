// Package runtime binds the capabilities every pipeline worker is built
// from: a consumer-group poll loop, a processor callback, a batched
// producer, a batched analytical writer, and a dead-letter path. The loop
// enforces the commit discipline: an input offset is acked only after the
// processor succeeded, outbound messages were acknowledged by the bus, and
// the analytical writer accepted the records into its batch.
package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"refinery/internal/bus"
	"refinery/internal/logging"
	"refinery/internal/metrics"
	"refinery/internal/model"
)

// Processor handles one delivery. Outbound messages returned by the
// processor are published before the input is committed. Analytical records
// are handed to the batcher inside the processor; Accept failures surface as
// processor errors so the commit is withheld.
type Processor func(ctx context.Context, d bus.Delivery) ([]bus.Message, error)

// BatchSink is the analytical writer as seen by the runtime: the loop pauses
// polling when the sink's queue exceeds the high watermark and flushes it on
// shutdown.
type BatchSink interface {
	Pending() int
	Flush(ctx context.Context) error
}

// TickFunc is a stage hook the loop invokes between polls, on the same
// goroutine as the processor. Returned messages are published like processor
// output.
type TickFunc func(ctx context.Context) ([]bus.Message, error)

// Options configures a worker runtime.
type Options struct {
	Stage          string
	Streams        []string
	Retry          RetryPolicy
	ProcessTimeout time.Duration // per-attempt deadline; reset between retries

	// Periodic in-loop tick; zero interval or nil func disables.
	Tick         TickFunc
	TickInterval time.Duration

	// Backpressure thresholds on the batch sink queue.
	PauseAbove  int
	ResumeBelow int

	// Stale-PEL reclamation; zero interval disables.
	PELInterval time.Duration
	PELMinIdle  time.Duration

	// Job-status heartbeat; zero interval disables.
	StatusInterval time.Duration
	JobID          string
}

// Worker is one consume-compute-produce loop.
type Worker struct {
	opts     Options
	consumer *bus.Consumer
	producer *bus.Producer
	dlq      *bus.DLQProducer
	sink     BatchSink
	process  Processor
	met      *metrics.Metrics
	log      zerolog.Logger

	processed  atomic.Int64
	failed     atomic.Int64
	deadLetter atomic.Int64
	lastCommit atomic.Int64 // unix ms of last successful ack

	reclaimed chan bus.Delivery
}

// New assembles a worker. sink may be nil for workers with no analytical
// writes on the hot path.
func New(opts Options, consumer *bus.Consumer, producer *bus.Producer,
	dlq *bus.DLQProducer, sink BatchSink, process Processor,
	met *metrics.Metrics, log zerolog.Logger) *Worker {

	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Second
	}
	if opts.PauseAbove <= 0 {
		opts.PauseAbove = 10_000
	}
	if opts.ResumeBelow <= 0 || opts.ResumeBelow >= opts.PauseAbove {
		opts.ResumeBelow = opts.PauseAbove / 2
	}
	return &Worker{
		opts:      opts,
		consumer:  consumer,
		producer:  producer,
		dlq:       dlq,
		sink:      sink,
		process:   process,
		met:       met,
		log:       log.With().Str("stage", opts.Stage).Logger(),
		reclaimed: make(chan bus.Delivery, 256),
	}
}

// LastCommit returns the time of the last successful offset commit.
// The readiness probe compares it against the configured bound.
func (w *Worker) LastCommit() time.Time {
	ms := w.lastCommit.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run executes the loop until ctx is cancelled, then drains: in-flight
// processing finishes, the batch sink flushes, and the final offsets commit.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.consumer.EnsureGroups(ctx, w.opts.Streams); err != nil {
		return fmt.Errorf("%s: ensure groups: %w", w.opts.Stage, err)
	}

	// Crash recovery: replay our own pending entries before new messages.
	pending, err := w.consumer.RecoverPending(ctx, w.opts.Streams)
	if err != nil {
		return fmt.Errorf("%s: recover pending: %w", w.opts.Stage, err)
	}
	if len(pending) > 0 {
		w.log.Info().Int("count", len(pending)).Msg("recovering pending deliveries")
		for _, d := range pending {
			if err := w.handle(ctx, d); err != nil {
				return err
			}
		}
	}

	if w.opts.PELInterval > 0 {
		go w.consumer.StartPELReclaimer(ctx, w.opts.Streams,
			w.opts.PELInterval, w.opts.PELMinIdle,
			func(d bus.Delivery) {
				select {
				case w.reclaimed <- d:
				case <-ctx.Done():
				}
			},
			func(count int) { w.met.PELReclaimed.Add(float64(count)) })
	}
	if w.opts.StatusInterval > 0 {
		go w.statusLoop(ctx)
	}

	var nextTick time.Time
	if w.opts.Tick != nil && w.opts.TickInterval > 0 {
		nextTick = time.Now().Add(w.opts.TickInterval)
	}

	paused := false
	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case d := <-w.reclaimed:
			if err := w.handle(ctx, d); err != nil {
				return err
			}
			continue
		default:
		}

		if !nextTick.IsZero() && !time.Now().Before(nextTick) {
			w.runTick(ctx)
			nextTick = time.Now().Add(w.opts.TickInterval)
		}

		// Backpressure: stop polling while the analytical queue is above the
		// high watermark; resume below the low watermark.
		if w.sink != nil {
			depth := w.sink.Pending()
			w.met.QueueDepth.WithLabelValues("analytic").Set(float64(depth))
			if paused {
				if depth >= w.opts.ResumeBelow {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				paused = false
				w.met.ConsumerPaused.Set(0)
			} else if depth >= w.opts.PauseAbove {
				paused = true
				w.met.ConsumerPaused.Set(1)
				w.log.Warn().Int("depth", depth).Msg("backpressure: polling paused")
				continue
			}
		}

		deliveries, err := w.consumer.Poll(ctx, w.opts.Streams)
		if err != nil {
			if ctx.Err() != nil {
				return w.drain()
			}
			w.log.Warn().Err(err).Msg("poll failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, d := range deliveries {
			if err := w.handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

// runTick invokes the stage tick and publishes its output. Tick failures are
// logged, not fatal: window state survives and the next tick retries.
func (w *Worker) runTick(ctx context.Context) {
	msgs, err := w.opts.Tick(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("stage tick failed")
		return
	}
	if len(msgs) == 0 {
		return
	}
	if err := w.producer.PublishBatch(ctx, msgs); err != nil {
		w.log.Warn().Err(err).Int("count", len(msgs)).Msg("tick publish failed")
	}
}

// handle runs one delivery through the processor with in-place retries,
// then either commits or dead-letters it. Only a fatal classification
// propagates an error.
func (w *Worker) handle(ctx context.Context, d bus.Delivery) error {
	token := logging.NewCorrelation()
	var lastErr error

	for attempt := 1; attempt <= w.opts.Retry.MaxAttempts; attempt++ {
		// Structured deadline: reset per attempt, propagated to every
		// downstream call the processor makes.
		procCtx, cancel := context.WithTimeout(ctx, w.opts.ProcessTimeout)
		procCtx = logging.WithCorrelation(procCtx, w.log, token)

		start := time.Now()
		out, err := w.process(procCtx, d)
		w.met.ProcessDur.WithLabelValues(w.opts.Stage).Observe(time.Since(start).Seconds())

		if err == nil && len(out) > 0 {
			pubStart := time.Now()
			err = w.producer.PublishBatch(procCtx, out)
			w.met.PublishDur.Observe(time.Since(pubStart).Seconds())
		}
		cancel()

		if err == nil {
			if ackErr := w.consumer.Ack(ctx, d); ackErr != nil {
				// The work is done and idempotent; redelivery will be
				// absorbed by the sinks. Log and move on.
				w.log.Warn().Err(ackErr).Str("id", d.ID).Msg("ack failed after success")
			}
			w.lastCommit.Store(time.Now().UnixMilli())
			w.processed.Add(1)
			w.met.ProcessedTotal.WithLabelValues(w.opts.Stage).Inc()
			if !d.Envelope.EventTime.IsZero() {
				w.met.E2ELatency.WithLabelValues(w.opts.Stage).
					Observe(time.Since(d.Envelope.EventTime).Seconds())
			}
			return nil
		}

		lastErr = err
		w.failed.Add(1)
		w.met.FailedTotal.WithLabelValues(w.opts.Stage, ErrorClass(err)).Inc()

		switch Classify(err) {
		case DecisionFatal:
			return fmt.Errorf("%s: %w", w.opts.Stage, err)
		case DecisionDLQ:
			return w.deadLetterAndCommit(ctx, d, err, token, attempt)
		case DecisionRetry:
			if attempt < w.opts.Retry.MaxAttempts {
				w.met.RetriesTotal.WithLabelValues(w.opts.Stage).Inc()
				select {
				case <-time.After(w.opts.Retry.Backoff(attempt)):
				case <-ctx.Done():
					return nil // unacked; redelivered after restart
				}
			}
		}
	}
	// Retries exhausted: classify as transient-exhausted and dead-letter.
	return w.deadLetterAndCommit(ctx, d, lastErr, token, w.opts.Retry.MaxAttempts)
}

func (w *Worker) deadLetterAndCommit(ctx context.Context, d bus.Delivery, procErr error, token string, attempts int) error {
	if err := w.dlq.Publish(ctx, d.Envelope, ErrorClass(procErr), procErr, token, attempts); err != nil {
		// DLQ unavailable: leave the message pending so at-least-once holds.
		w.log.Error().Err(err).Str("id", d.ID).Msg("dead-letter publish failed; leaving pending")
		return nil
	}
	if err := w.consumer.Ack(ctx, d); err != nil {
		w.log.Warn().Err(err).Str("id", d.ID).Msg("ack failed after dead-letter")
	}
	w.lastCommit.Store(time.Now().UnixMilli())
	w.deadLetter.Add(1)
	w.met.DeadLetterTotal.WithLabelValues(w.opts.Stage).Inc()
	w.log.Warn().
		Str("correlation", token).
		Str("class", ErrorClass(procErr)).
		Err(procErr).
		Msg("message dead-lettered")
	return nil
}

// drain flushes the batch sink with a bounded window after the loop stops.
func (w *Worker) drain() error {
	if w.sink == nil {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sink.Flush(flushCtx); err != nil {
		return fmt.Errorf("%s: drain flush: %w", w.opts.Stage, err)
	}
	return nil
}

func (w *Worker) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := model.JobStatus{
				JobID:     w.opts.JobID,
				Stage:     w.opts.Stage,
				Processed: w.processed.Load(),
				Failed:    w.failed.Load(),
				DeadLett:  w.deadLetter.Load(),
				At:        time.Now().UTC(),
			}
			err := w.producer.Publish(ctx, bus.Message{
				Topic:   bus.TopicJobStatus,
				Key:     w.opts.JobID,
				Payload: status,
			})
			if err != nil {
				w.log.Debug().Err(err).Msg("job status publish failed")
			}
		}
	}
}
