package condense

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chriswithf/broker-condense-proxy/internal/canonical"
)

// OriginalMeta is one entry of a CondensedEnvelope's originals-metadata
// list (spec §3): the per-original header fields preserved across
// condensation.
type OriginalMeta struct {
	ID            string
	SendTimestamp time.Time
	CorrelationID string
	Priority      int
	Expiration    time.Duration
	Type          string
}

// condensedMetaBlock is the reserved `_condensedMeta` field of the
// aggregated content layout (spec §3/§6).
type condensedMetaBlock struct {
	Condensed          bool    `json:"condensed"`
	Count              int     `json:"count"`
	OriginalTimestamps []int64 `json:"originalTimestamps,omitempty"`
	FirstTimestamp     *int64  `json:"firstTimestamp,omitempty"`
	LastTimestamp      *int64  `json:"lastTimestamp,omitempty"`
}

// MetaFieldName is the reserved key under which the aggregated content
// carries condensation metadata.
const MetaFieldName = "_condensedMeta"

// Envelope is the lazy tagged union from spec §9: a Ready(text) |
// Deferred(closure) value. Materialize collapses Deferred to Ready exactly
// once; it must be called outside the buffer lock (spec §5).
type Envelope struct {
	OriginalsMetadata []OriginalMeta
	Count             int

	// FirstTimestamp and LastTimestamp are the business-level timestamps
	// extracted from each original's content (spec §4.5 step 3; the same
	// min/max pair attached to the body's _condensedMeta block) — not the
	// buffer's internal admission bookkeeping (spec §3's BufferedMessage
	// arrival time). Both are nil until Materialize has run, and remain
	// nil if no original yielded a numeric timestamp field.
	FirstTimestamp *int64
	LastTimestamp  *int64

	once    sync.Once
	body    string
	err     error
	produce func() (string, *int64, *int64, error)
}

// Materialize evaluates the deferred aggregated-content computation on
// first call and caches the result (including the extracted timestamp
// range); it is idempotent but not itself thread-safe beyond that single
// collapse (spec §4.5 — called exactly once per envelope from the send
// path).
func (e *Envelope) Materialize() (string, error) {
	e.once.Do(func() {
		e.body, e.FirstTimestamp, e.LastTimestamp, e.err = e.produce()
	})
	return e.body, e.err
}

// BuildEnvelope constructs a CondensedEnvelope from a single similarity
// key's batch (spec §4.5). extractFields is the ordered per-item
// timestamp-extraction field set (may overlap the comparison strategy's
// exclusion set, per spec §4.3).
func BuildEnvelope(batch Batch, extractFields []string) *Envelope {
	env := &Envelope{
		Count:             len(batch.Messages),
		OriginalsMetadata: make([]OriginalMeta, len(batch.Messages)),
	}
	for i, bm := range batch.Messages {
		env.OriginalsMetadata[i] = originalMetaOf(bm)
	}

	env.produce = func() (string, *int64, *int64, error) {
		return materializeContent(batch, extractFields)
	}
	return env
}

func originalMetaOf(bm BufferedMessage) OriginalMeta {
	m := bm.Original
	if m == nil {
		return OriginalMeta{SendTimestamp: time.UnixMilli(bm.ArrivalMs)}
	}
	return OriginalMeta{
		ID:            m.ID,
		SendTimestamp: m.Timestamp,
		CorrelationID: m.CorrelationID,
		Priority:      m.Priority,
		Expiration:    m.Expiration,
		Type:          m.Type,
	}
}

// materializeContent implements spec §4.5 steps 1-5: parse the head
// content, drop the extraction-set fields from its top level, collect
// numeric timestamps per original, attach _condensedMeta, and re-serialize.
// If the head content is not a top-level object, it is returned unchanged
// (spec §9 open question 1: arrays route to a no-op condensation that
// emits the head verbatim). The returned *int64 pair is the same
// first/last business timestamp attached to _condensedMeta, surfaced so
// the send path can use it for the CONDENSED_TIMESTAMPS wire property
// instead of buffer admission bookkeeping.
func materializeContent(batch Batch, extractFields []string) (string, *int64, *int64, error) {
	if len(batch.Messages) == 0 {
		return "", nil, nil, nil
	}
	head := batch.Messages[0].Content

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(head), &top); err != nil {
		// Not a top-level object (or a parse failure): emit unchanged.
		return head, nil, nil, nil
	}

	for _, f := range extractFields {
		delete(top, f)
	}

	var timestamps []int64
	for _, bm := range batch.Messages {
		for _, field := range extractFields {
			text, ok := canonical.ExtractField(bm.Content, field)
			if !ok {
				continue
			}
			if n, ok := canonical.ParseSignedInt(text); ok {
				timestamps = append(timestamps, n)
				break
			}
			// First hit but non-numeric: per spec, silently skip to the
			// next original rather than trying the next field name.
			break
		}
	}

	meta := condensedMetaBlock{
		Condensed: true,
		Count:     len(batch.Messages),
	}
	if len(timestamps) > 0 {
		meta.OriginalTimestamps = timestamps
		first, last := timestamps[0], timestamps[0]
		for _, t := range timestamps[1:] {
			if t < first {
				first = t
			}
			if t > last {
				last = t
			}
		}
		meta.FirstTimestamp = &first
		meta.LastTimestamp = &last
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return head, nil, nil, nil
	}
	top[MetaFieldName] = metaBytes

	out, err := json.Marshal(top)
	if err != nil {
		return head, nil, nil, nil
	}
	return string(out), meta.FirstTimestamp, meta.LastTimestamp, nil
}
