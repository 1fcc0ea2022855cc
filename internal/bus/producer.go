package bus

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"refinery/internal/model"
)

const (
	// Stream trimming: bounded retention per partition. Replays beyond this
	// horizon come from the analytical store, not the bus.
	defaultStreamMaxLen = 100_000
)

// ProducerConfig configures a bus producer.
type ProducerConfig struct {
	Source     string // stamped into every envelope
	Partitions int    // streams per topic; 0/1 = unpartitioned
	MaxLen     int64  // per-stream approximate retention
}

// Producer publishes enveloped events onto topic streams. Publish and
// PublishBatch return only after Redis has acknowledged the XADDs, which is
// what the runtime's commit discipline waits on.
type Producer struct {
	client     *goredis.Client
	source     string
	partitions int
	maxLen     int64
}

// NewProducer creates a Producer on an existing client.
func NewProducer(client *goredis.Client, cfg ProducerConfig) *Producer {
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	parts := cfg.Partitions
	if parts <= 0 {
		parts = 1
	}
	return &Producer{client: client, source: cfg.Source, partitions: parts, maxLen: maxLen}
}

// Message is one outbound event before enveloping.
type Message struct {
	Topic    string
	TenantID string
	Key      string // routing key; pins the message to a partition
	Payload  any
}

// Publish envelopes and appends a single event.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	return p.PublishBatch(ctx, []Message{msg})
}

// PublishBatch envelopes and appends a batch in one pipeline roundtrip.
// All-or-nothing from the caller's view: any XADD error fails the batch and
// the runtime retries the whole message.
func (p *Producer) PublishBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, msg := range msgs {
		env, err := model.NewEnvelope(p.source, msg.TenantID, msg.Key, msg.Payload)
		if err != nil {
			return fmt.Errorf("envelope %s: %w", msg.Topic, err)
		}
		stream := StreamName(msg.Topic, Partition(msg.Key, p.partitions), p.partitions)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(env.JSON())},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish batch (%d msgs): %w", len(msgs), err)
	}
	return nil
}
