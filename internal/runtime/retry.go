package runtime

import (
	"context"
	"errors"
	"time"
)

// Decision is what the retry policy does with a failed message.
type Decision int

const (
	DecisionRetry Decision = iota // transient; retry in place with backoff
	DecisionDLQ                   // poison; dead-letter and commit
	DecisionFatal                 // invariant violation; stop the worker
)

// PoisonError marks an error that can never succeed on retry (schema/parse
// failures). The message goes straight to the DLQ with the given class.
type PoisonError struct {
	Class string
	Err   error
}

func (e *PoisonError) Error() string { return e.Class + ": " + e.Err.Error() }
func (e *PoisonError) Unwrap() error { return e.Err }

// Poison wraps err as a dead-letter-bound failure.
func Poison(class string, err error) error {
	return &PoisonError{Class: class, Err: err}
}

// FatalError marks a configuration or invariant violation discovered during
// processing. The worker refuses to continue.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a worker-stopping failure.
func Fatal(err error) error { return &FatalError{Err: err} }

// Classify maps a processing error to a decision. Anything not explicitly
// poison or fatal is treated as a transient dependency error and retried;
// deadline expiry is always retryable per the cancellation model.
func Classify(err error) Decision {
	var poison *PoisonError
	if errors.As(err, &poison) {
		return DecisionDLQ
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return DecisionFatal
	}
	return DecisionRetry
}

// ErrorClass returns the DLQ classification string for err.
func ErrorClass(err error) string {
	var poison *PoisonError
	if errors.As(err, &poison) {
		return poison.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline"
	}
	return "transient"
}

// RetryPolicy is the shared exponential policy applied before dead-lettering.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns the delay before the given retry attempt (1-based).
// Doubles per attempt, capped at BackoffMax.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}
