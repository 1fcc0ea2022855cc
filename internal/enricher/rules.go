// Package enricher attaches reference metadata and taxonomy classification
// to normalized ticks. Classification is a pure function of the tick, the
// reference snapshot, and the loaded rule set, so replays produce identical
// gold rows.
package enricher

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"refinery/internal/model"
)

// Taxonomy dimensions a rule can classify.
const (
	DimCommodity = "commodity"
	DimRegion    = "region"
	DimProduct   = "product"
)

// Rule maps a regex over one input field to taxonomy tags. A rule may set
// any subset of the three dimensions; per dimension, the highest-priority
// matching rule wins, ties resolving to the lexicographically smallest tag.
type Rule struct {
	Name        string  `yaml:"name"`
	Field       string  `yaml:"field"`   // instrument_id, source_id, commodity, region, product_tier, unit
	Pattern     string  `yaml:"pattern"` // regex, compiled at load
	Commodity   string  `yaml:"commodity,omitempty"`
	Region      string  `yaml:"region,omitempty"`
	ProductTier string  `yaml:"product_tier,omitempty"`
	Priority    int     `yaml:"priority"`
	Weight      float64 `yaml:"weight"`

	re *regexp.Regexp
}

var knownFields = map[string]bool{
	"instrument_id": true,
	"source_id":     true,
	"commodity":     true,
	"region":        true,
	"product_tier":  true,
	"unit":          true,
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleSet is a compiled, validated classification rule set.
type RuleSet struct {
	rules []Rule
}

// LoadRules reads and compiles a YAML rule file. An empty path yields the
// built-in defaults.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()
	var doc ruleFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	return NewRuleSet(doc.Rules)
}

// NewRuleSet compiles and validates rules. Invalid rules are fatal at
// startup, never at classification time.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %q: empty pattern", r.Name)
		}
		if !knownFields[r.Field] {
			return nil, fmt.Errorf("rule %q: unknown field %q", r.Name, r.Field)
		}
		if r.Commodity == "" && r.Region == "" && r.ProductTier == "" {
			return nil, fmt.Errorf("rule %q: sets no dimension", r.Name)
		}
		if r.Weight < 0 || r.Weight > 1 {
			return nil, fmt.Errorf("rule %q: weight %g outside [0,1]", r.Name, r.Weight)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: pattern: %w", r.Name, err)
		}
		r.re = re
		compiled[i] = r
	}
	// Stable evaluation order; the per-dimension tie-break does the rest.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return &RuleSet{rules: compiled}, nil
}

// DefaultRules is the built-in energy taxonomy used when no rule file is
// configured.
func DefaultRules() *RuleSet {
	rs, err := NewRuleSet([]Rule{
		{Name: "natgas", Field: "instrument_id", Pattern: `^NG`, Commodity: "natural_gas", Region: "north_america", ProductTier: "futures", Priority: 100, Weight: 0.9},
		{Name: "wti", Field: "instrument_id", Pattern: `^(CL|WTI)`, Commodity: "crude_oil", Region: "north_america", ProductTier: "futures", Priority: 100, Weight: 0.9},
		{Name: "brent", Field: "instrument_id", Pattern: `^(BRN|BZ)`, Commodity: "crude_oil", Region: "europe", ProductTier: "futures", Priority: 100, Weight: 0.9},
		{Name: "ttf", Field: "instrument_id", Pattern: `^TTF`, Commodity: "natural_gas", Region: "europe", ProductTier: "futures", Priority: 100, Weight: 0.9},
		{Name: "power", Field: "instrument_id", Pattern: `^(PWR|EEX)`, Commodity: "power", Priority: 90, Weight: 0.8},
	})
	if err != nil {
		panic(err) // built-in rules are statically valid
	}
	return rs
}

// Classification is the taxonomy outcome for one tick.
type Classification struct {
	CommodityTier string
	RegionTier    string
	ProductTier   string
	Confidence    float64
}

// match tracks the winning rule per dimension during evaluation.
type match struct {
	priority int
	tag      string
	weight   float64
	found    bool
}

func (m *match) consider(priority int, tag string, weight float64) {
	if tag == "" {
		return
	}
	if !m.found || priority > m.priority ||
		(priority == m.priority && tag < m.tag) {
		m.priority = priority
		m.tag = tag
		m.weight = weight
		m.found = true
	}
}

// Classify resolves the three taxonomy dimensions for a tick given its
// reference record (rec may be nil). Dimensions no rule matches fall back to
// the reference record's own value at full weight; a dimension neither rules
// nor the record can fill is the unknown sentinel and zeroes the confidence.
func (rs *RuleSet) Classify(t *model.Tick, rec *model.ReferenceRecord) Classification {
	fields := map[string]string{
		"instrument_id": t.InstrumentID,
		"source_id":     t.SourceID,
	}
	if rec != nil {
		fields["commodity"] = rec.Commodity
		fields["region"] = rec.Region
		fields["product_tier"] = rec.ProductTier
		fields["unit"] = rec.Unit
	}

	var commodity, region, product match
	for _, r := range rs.rules {
		value := fields[r.Field]
		if value == "" || !r.re.MatchString(value) {
			continue
		}
		commodity.consider(r.Priority, r.Commodity, r.Weight)
		region.consider(r.Priority, r.Region, r.Weight)
		product.consider(r.Priority, r.ProductTier, r.Weight)
	}

	out := Classification{Confidence: 1}
	out.CommodityTier, out.Confidence = resolve(commodity, recField(rec, DimCommodity), out.Confidence)
	out.RegionTier, out.Confidence = resolve(region, recField(rec, DimRegion), out.Confidence)
	out.ProductTier, out.Confidence = resolve(product, recField(rec, DimProduct), out.Confidence)
	return out
}

// resolve picks the dimension value and folds its weight into the running
// minimum confidence.
func resolve(m match, recValue string, conf float64) (string, float64) {
	switch {
	case m.found:
		return m.tag, min(conf, m.weight)
	case recValue != "":
		return recValue, conf // record values are authoritative
	default:
		return model.TierUnknown, 0
	}
}

func recField(rec *model.ReferenceRecord, dim string) string {
	if rec == nil {
		return ""
	}
	switch dim {
	case DimCommodity:
		return rec.Commodity
	case DimRegion:
		return rec.Region
	case DimProduct:
		return rec.ProductTier
	}
	return ""
}
