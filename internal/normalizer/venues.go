package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"refinery/internal/model"
)

// SimFeedParser handles the simulator venue: a flat JSON document.
type SimFeedParser struct{}

// Name implements Parser.
func (p *SimFeedParser) Name() string { return "simfeed" }

type simFeedPayload struct {
	Tenant     string            `json:"tenant"`
	Instrument string            `json:"instrument"`
	TSMillis   *int64            `json:"ts_ms"`
	Price      *float64          `json:"price"`
	Volume     *float64          `json:"volume"`
	Source     string            `json:"source"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Parse implements Parser.
func (p *SimFeedParser) Parse(payload []byte) (model.Tick, error) {
	var doc simFeedPayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return model.Tick{}, fmt.Errorf("%w: simfeed: %v", ErrSchemaViolation, err)
	}
	if doc.Tenant == "" || doc.Instrument == "" || doc.Source == "" ||
		doc.TSMillis == nil || doc.Price == nil || doc.Volume == nil {
		return model.Tick{}, fmt.Errorf("%w: simfeed: missing required field", ErrSchemaViolation)
	}
	return model.Tick{
		TenantID:     doc.Tenant,
		InstrumentID: doc.Instrument,
		EventTime:    time.UnixMilli(*doc.TSMillis).UTC(),
		Price:        *doc.Price,
		Volume:       *doc.Volume,
		SourceID:     doc.Source,
		Metadata:     doc.Meta,
	}, nil
}

// ICEFixParser handles a FIX-flavored venue: pipe-delimited tag=value pairs.
// Recognized tags: 49 (source), 55 (instrument), 60 (transact time,
// yyyyMMdd-HH:mm:ss.SSS UTC), 270 (price), 271 (volume), 20001 (tenant).
type ICEFixParser struct{}

// Name implements Parser.
func (p *ICEFixParser) Name() string { return "icefix" }

const iceFixTimeLayout = "20060102-15:04:05.000"

// Parse implements Parser.
func (p *ICEFixParser) Parse(payload []byte) (model.Tick, error) {
	fields := map[string]string{}
	for _, pair := range strings.Split(string(payload), "|") {
		if pair == "" {
			continue
		}
		tag, value, found := strings.Cut(pair, "=")
		if !found {
			return model.Tick{}, fmt.Errorf("%w: icefix: malformed pair %q", ErrSchemaViolation, pair)
		}
		fields[tag] = value
	}
	for _, tag := range []string{"49", "55", "60", "270", "271", "20001"} {
		if fields[tag] == "" {
			return model.Tick{}, fmt.Errorf("%w: icefix: missing tag %s", ErrSchemaViolation, tag)
		}
	}
	price, err := strconv.ParseFloat(fields["270"], 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: icefix: price %q", ErrUnparsableField, fields["270"])
	}
	volume, err := strconv.ParseFloat(fields["271"], 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: icefix: volume %q", ErrUnparsableField, fields["271"])
	}
	ts, err := time.ParseInLocation(iceFixTimeLayout, fields["60"], time.UTC)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: icefix: transact time %q", ErrUnparsableField, fields["60"])
	}
	return model.Tick{
		TenantID:     fields["20001"],
		InstrumentID: fields["55"],
		EventTime:    ts,
		Price:        price,
		Volume:       volume,
		SourceID:     fields["49"],
	}, nil
}

// NymexCSVParser handles a CSV venue:
// tenant,instrument,epoch_ms,price,volume,source
type NymexCSVParser struct{}

// Name implements Parser.
func (p *NymexCSVParser) Name() string { return "nymex" }

// Parse implements Parser.
func (p *NymexCSVParser) Parse(payload []byte) (model.Tick, error) {
	parts := strings.Split(strings.TrimSpace(string(payload)), ",")
	if len(parts) != 6 {
		return model.Tick{}, fmt.Errorf("%w: nymex: want 6 fields, got %d", ErrSchemaViolation, len(parts))
	}
	for i, part := range parts {
		if part == "" {
			return model.Tick{}, fmt.Errorf("%w: nymex: empty field %d", ErrSchemaViolation, i)
		}
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: nymex: epoch %q", ErrUnparsableField, parts[2])
	}
	price, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: nymex: price %q", ErrUnparsableField, parts[3])
	}
	volume, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: nymex: volume %q", ErrUnparsableField, parts[4])
	}
	return model.Tick{
		TenantID:     parts[0],
		InstrumentID: parts[1],
		EventTime:    time.UnixMilli(epoch).UTC(),
		Price:        price,
		Volume:       volume,
		SourceID:     parts[5],
	}, nil
}
