// Package normalizer turns venue-specific raw payloads into canonical,
// quality-flagged ticks. Venues register a parser at startup; unknown
// venues and schema violations dead-letter, everything else flows through
// flagged.
package normalizer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"refinery/internal/model"
)

// Failure classes for Normalize. Schema violations and unknown venues are
// poison (DLQ); unparsable fields inside an otherwise well-formed payload
// are schema violations too.
var (
	ErrUnknownVenue    = errors.New("unknown venue")
	ErrSchemaViolation = errors.New("schema violation")
	ErrUnparsableField = errors.New("unparsable field")
)

// Parser translates one venue's payload bytes into a canonical tick.
// Implementations must be total: any input yields a tick or an error, never
// a panic.
type Parser interface {
	Parse(payload []byte) (model.Tick, error)
	Name() string
}

// Registry maps venue names to parsers. Registration happens at startup;
// lookups afterwards are read-only.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds a parser under its venue name. Duplicate registration is a
// programming error and fails loudly.
func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parsers[p.Name()]; exists {
		return fmt.Errorf("parser %q already registered", p.Name())
	}
	r.parsers[p.Name()] = p
	return nil
}

// Get returns the parser for a venue.
func (r *Registry) Get(venue string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	return p, nil
}

// Venues returns the registered venue names, sorted.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry registers the built-in venue parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []Parser{&SimFeedParser{}, &ICEFixParser{}, &NymexCSVParser{}} {
		if err := r.Register(p); err != nil {
			panic(err) // duplicate built-in names cannot happen
		}
	}
	return r
}
