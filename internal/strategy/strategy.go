// Package strategy implements the comparison-strategy policy (spec §4.3):
// turning a message's content into a similarity key.
package strategy

import "github.com/chriswithf/broker-condense-proxy/internal/canonical"

// DefaultTimestampExclude is the default exclusion set: common timestamp
// field names, so messages differing only by clock value still coalesce.
func DefaultTimestampExclude() canonical.Exclusions {
	return canonical.NewExclusions(
		"timestamp", "time", "datetime", "date", "ts",
		"createdAt", "created_at", "updatedAt", "updated_at",
		"eventTime", "event_time",
	)
}

// DefaultTimestampExtract is the default per-item timestamp extraction set
// used by the envelope builder (spec §4.3, §4.5). May overlap with the
// exclusion set.
func DefaultTimestampExtract() []string {
	return []string{
		"timestamp", "time", "datetime", "ts",
		"createdAt", "created_at", "eventTime", "event_time",
	}
}

// Strategy computes a SimilarityKey for message content. Implementations
// must not panic; any internal failure should be surfaced as an error so
// the caller can fall back to content-rejection (spec §7, kind 1).
type Strategy interface {
	ComputeComparisonKey(content string) (string, error)
}

// FieldExclusion is the default Strategy: canonicalize with a configured
// top-level field-exclusion set.
type FieldExclusion struct {
	Exclude canonical.Exclusions
}

// NewFieldExclusion builds the default strategy with DefaultTimestampExclude.
func NewFieldExclusion() *FieldExclusion {
	return &FieldExclusion{Exclude: DefaultTimestampExclude()}
}

func (s *FieldExclusion) ComputeComparisonKey(content string) (string, error) {
	return canonical.Canonicalize(content, s.Exclude)
}

// Func adapts a plain function to Strategy — the "user-supplied strategy"
// variant from spec §9, modeled as an interface with concrete variants
// rather than a class hierarchy.
type Func func(content string) (string, error)

func (f Func) ComputeComparisonKey(content string) (string, error) {
	return f(content)
}
