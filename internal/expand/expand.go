// Package expand implements the consumer-side expansion engine (spec
// §4.8): detecting condensed envelopes and reconstructing the N logical
// messages they aggregate.
package expand

import (
	"encoding/json"
	"strings"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
	"github.com/chriswithf/broker-condense-proxy/internal/condense"
)

// DefaultTimestampField is the field restored on each expanded message
// when the envelope carried a numeric timestamp for it.
const DefaultTimestampField = "timestamp"

// Options configures an Expander.
type Options struct {
	// TimestampField is the field name to set on each expanded message's
	// body from the envelope's originalTimestamps list. Defaults to
	// DefaultTimestampField.
	TimestampField string
}

// Expander is the consumer-side half of the condense/expand contract.
type Expander struct {
	timestampField string
}

// New builds an Expander from Options, applying defaults.
func New(opts Options) *Expander {
	field := opts.TimestampField
	if field == "" {
		field = DefaultTimestampField
	}
	return &Expander{timestampField: field}
}

type condensedMeta struct {
	Condensed          bool    `json:"condensed"`
	Count              int     `json:"count"`
	OriginalTimestamps []int64 `json:"originalTimestamps"`
}

// IsCondensed implements spec §4.8: the marker property short-circuits
// true if present; otherwise the body is checked for the _condensedMeta
// sentinel as a fallback for hosts that strip custom properties. No
// exceptions escape — any parse failure is treated as "not condensed".
func (e *Expander) IsCondensed(msg *broker.Message) bool {
	if msg == nil {
		return false
	}
	if v, ok := msg.Property(broker.PropCondensedMarker); ok {
		if b, ok := v.(bool); ok && b {
			return true
		}
	}

	if !strings.Contains(msg.Body, condense.MetaFieldName) {
		return false
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg.Body), &top); err != nil {
		return false
	}
	raw, ok := top[condense.MetaFieldName]
	if !ok {
		return false
	}
	var meta condensedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return false
	}
	return meta.Condensed
}

// Expand reconstructs the N logical messages an envelope aggregates (spec
// §4.8). For a non-condensed message it returns a singleton containing m
// unchanged (the idempotence property of spec §8). On any error it falls
// back to the same singleton-of-original behavior (spec §7 kind 5).
func (e *Expander) Expand(msg *broker.Message) []*broker.Message {
	if !e.IsCondensed(msg) {
		return []*broker.Message{msg}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg.Body), &top); err != nil {
		return []*broker.Message{msg}
	}
	raw, ok := top[condense.MetaFieldName]
	if !ok {
		return []*broker.Message{msg}
	}
	var meta condensedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return []*broker.Message{msg}
	}

	count := meta.Count
	if count < 1 {
		count = 1
	}

	base := make(map[string]json.RawMessage, len(top))
	for k, v := range top {
		if k == condense.MetaFieldName {
			continue
		}
		base[k] = v
	}

	out := make([]*broker.Message, 0, count)
	for i := 0; i < count; i++ {
		item := make(map[string]json.RawMessage, len(base))
		for k, v := range base {
			item[k] = v
		}
		if i < len(meta.OriginalTimestamps) {
			tsBytes, err := json.Marshal(meta.OriginalTimestamps[i])
			if err != nil {
				return []*broker.Message{msg}
			}
			item[e.timestampField] = tsBytes
		}

		bodyBytes, err := json.Marshal(item)
		if err != nil {
			return []*broker.Message{msg}
		}

		out = append(out, &broker.Message{
			Body:          string(bodyBytes),
			CorrelationID: msg.CorrelationID,
			Type:          msg.Type,
			Priority:      msg.Priority,
			Properties:    copyNonReserved(msg.Properties),
		})
	}
	return out
}

// copyNonReserved copies every property except the condensation markers
// (spec §9 "Property copy on expansion").
func copyNonReserved(props map[string]any) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if broker.IsReservedProperty(k) {
			continue
		}
		out[k] = v
	}
	return out
}
