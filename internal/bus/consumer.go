package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"refinery/internal/model"
)

// ConsumerConfig configures a consumer-group member.
type ConsumerConfig struct {
	Group string
	Name  string        // unique per instance, e.g. hostname
	Block time.Duration
	Count int64         // per-poll cap (consumer.max_poll_records)
}

// Delivery is one message pulled from the bus. The runtime acks it only
// after processing, outbound publishes, and analytical batch acceptance all
// succeed.
type Delivery struct {
	Stream   string
	ID       string
	Envelope model.Envelope
}

// Consumer pulls enveloped events from topic streams via consumer groups.
// At-least-once: unacked messages stay on the pending entry list and are
// recovered on restart or reclaimed from dead consumers.
type Consumer struct {
	client *goredis.Client
	group  string
	name   string
	block  time.Duration
	count  int64
	log    zerolog.Logger
}

// NewConsumer creates a Consumer on an existing client.
func NewConsumer(client *goredis.Client, cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	group := cfg.Group
	if group == "" {
		group = "refinery"
	}
	name := cfg.Name
	if name == "" {
		name = "worker-1"
	}
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	count := cfg.Count
	if count <= 0 {
		count = 100
	}
	return &Consumer{client: client, group: group, name: name, block: block, count: count, log: log}
}

// Group returns the consumer group name.
func (c *Consumer) Group() string { return c.group }

// EnsureGroups creates the consumer group on each stream if missing.
// Fresh groups start at "$" (new messages only).
func (c *Consumer) EnsureGroups(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// Poll reads up to the per-poll cap of new messages across streams.
// Returns an empty slice on idle timeout. Malformed entries are acked and
// skipped so a bad producer cannot wedge the partition.
func (c *Consumer) Poll(ctx context.Context, streams []string) ([]Delivery, error) {
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  args,
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Delivery
	for _, stream := range results {
		for _, msg := range stream.Messages {
			env, ok := c.decode(ctx, stream.Stream, msg)
			if !ok {
				continue
			}
			out = append(out, Delivery{Stream: stream.Stream, ID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}

// Ack commits one delivery.
func (c *Consumer) Ack(ctx context.Context, d Delivery) error {
	return c.client.XAck(ctx, d.Stream, c.group, d.ID).Err()
}

// RecoverPending drains this consumer's unacked entries from a previous
// crash. Called once at startup, before Poll.
func (c *Consumer) RecoverPending(ctx context.Context, streams []string) ([]Delivery, error) {
	var out []Delivery
	for _, stream := range streams {
		for {
			pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  c.count,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}
			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			claimed, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.name,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				return out, fmt.Errorf("xclaim %s: %w", stream, err)
			}
			for _, msg := range claimed {
				env, ok := c.decode(ctx, stream, msg)
				if !ok {
					continue
				}
				out = append(out, Delivery{Stream: stream, ID: msg.ID, Envelope: env})
			}
			if int64(len(claimed)) < c.count {
				break
			}
		}
	}
	return out, nil
}

// StartPELReclaimer periodically claims pending entries idle beyond minIdle
// that belong to other (presumed dead) consumers, and hands them to deliver.
// Runs until ctx is cancelled.
func (c *Consumer) StartPELReclaimer(ctx context.Context, streams []string,
	interval, minIdle time.Duration, deliver func(Delivery), onReclaim func(count int)) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, stream := range streams {
				claimed, err := c.reclaimStale(ctx, stream, minIdle)
				if err != nil {
					c.log.Warn().Err(err).Str("stream", stream).Msg("pel reclaim failed")
					continue
				}
				for _, msg := range claimed {
					env, ok := c.decode(ctx, stream, msg)
					if !ok {
						continue
					}
					deliver(Delivery{Stream: stream, ID: msg.ID, Envelope: env})
					total++
				}
			}
			if total > 0 && onReclaim != nil {
				onReclaim(total)
			}
		}
	}
}

func (c *Consumer) reclaimStale(ctx context.Context, stream string, minIdle time.Duration) ([]goredis.XMessage, error) {
	pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  50,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	var staleIDs []string
	for _, p := range pending {
		if p.Consumer != c.name {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}
	claimed, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	return claimed, nil
}

// decode parses an entry's envelope. Entries that cannot carry an envelope
// are acked immediately: they can never succeed, so leaving them pending
// would pin the PEL forever.
func (c *Consumer) decode(ctx context.Context, stream string, msg goredis.XMessage) (model.Envelope, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.log.Warn().Str("stream", stream).Str("id", msg.ID).Msg("entry without data field, acking")
		c.client.XAck(ctx, stream, c.group, msg.ID)
		return model.Envelope{}, false
	}
	var env model.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		c.log.Warn().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("undecodable envelope, acking")
		c.client.XAck(ctx, stream, c.group, msg.ID)
		return model.Envelope{}, false
	}
	return env, true
}
