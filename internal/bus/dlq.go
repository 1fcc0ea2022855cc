package bus

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"refinery/internal/model"
)

// DeadLetter carries an unprocessable event to the stage's DLQ topic with
// enough context for operator tooling: the original payload, the error
// class, and the correlation token of the failed processing attempt.
type DeadLetter struct {
	Stage      string         `json:"stage"`
	ErrorClass string         `json:"error_class"`
	Error      string         `json:"error"`
	Traceback  string         `json:"traceback_token"`
	Attempts   int            `json:"attempts"`
	FailedAt   time.Time      `json:"failed_at"`
	Original   model.Envelope `json:"original"`
}

// DLQProducer writes dead letters for one stage.
type DLQProducer struct {
	producer *Producer
	stage    string
}

// NewDLQProducer creates a dead-letter producer for a stage.
func NewDLQProducer(client *goredis.Client, stage, source string) *DLQProducer {
	return &DLQProducer{
		producer: NewProducer(client, ProducerConfig{Source: source, Partitions: 1}),
		stage:    stage,
	}
}

// Publish writes one dead letter, keyed by the original message's key so
// operator replays preserve partition affinity.
func (d *DLQProducer) Publish(ctx context.Context, original model.Envelope, errClass string, procErr error, traceback string, attempts int) error {
	dl := DeadLetter{
		Stage:      d.stage,
		ErrorClass: errClass,
		Error:      procErr.Error(),
		Traceback:  traceback,
		Attempts:   attempts,
		FailedAt:   time.Now().UTC(),
		Original:   original,
	}
	return d.producer.Publish(ctx, Message{
		Topic:    TopicDeadLetter(d.stage),
		TenantID: original.TenantID,
		Key:      original.Key,
		Payload:  dl,
	})
}
