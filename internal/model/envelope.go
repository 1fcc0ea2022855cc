package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message on the bus. All events carry event_id,
// event_time, tenant_id, source, and schema_version regardless of payload
// type.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventTime     time.Time       `json:"event_time"`
	TenantID      string          `json:"tenant_id"`
	Source        string          `json:"source"`
	SchemaVersion int             `json:"schema_version"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for the bus. The payload must marshal cleanly;
// callers pass model types that always do.
func NewEnvelope(source, tenantID, key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventTime:     time.Now().UTC(),
		TenantID:      tenantID,
		Source:        source,
		SchemaVersion: 1,
		Key:           key,
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// JSON returns the JSON-encoded envelope.
func (e *Envelope) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// RawEvent is a venue payload as received on an ingestion topic, before
// normalization.
type RawEvent struct {
	Venue      string            `json:"venue"`
	Payload    []byte            `json:"payload"`
	IngestMeta map[string]string `json:"ingest_metadata,omitempty"`
}
