// Package logging sets up the zerolog JSON logger shared by all workers and
// threads a correlation token through context.Context so every log line for
// one message carries the same token.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	loggerKey
)

// Init creates the root logger for a worker. level accepts zerolog level
// names ("debug", "info", ...); unknown values fall back to info.
func Init(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// NewCorrelation returns a fresh correlation token.
func NewCorrelation() string { return uuid.NewString() }

// WithCorrelation stores a correlation token and a token-scoped logger in ctx.
func WithCorrelation(ctx context.Context, logger zerolog.Logger, token string) context.Context {
	scoped := logger.With().Str("correlation", token).Logger()
	ctx = context.WithValue(ctx, correlationKey, token)
	return context.WithValue(ctx, loggerKey, &scoped)
}

// Correlation extracts the correlation token from ctx. Returns "" if unset.
func Correlation(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

var nop = zerolog.Nop()

// From returns the token-scoped logger from ctx, or a disabled logger when
// none was attached (tests, background tasks created outside the runtime).
// Returned by pointer so level methods chain off the call directly.
func From(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return l
	}
	return &nop
}
