// Package canonical implements the structured-content canonicalizer (spec
// §4.1): a deterministic textual rendering of a JSON-shaped document with a
// configurable set of top-level fields removed and object members
// recursively sorted by key.
package canonical

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// Exclusions is a set of top-level field names to drop during
// canonicalization. Nested occurrences of the same name are preserved.
type Exclusions map[string]struct{}

// NewExclusions builds an Exclusions set from a list of field names.
func NewExclusions(fields ...string) Exclusions {
	ex := make(Exclusions, len(fields))
	for _, f := range fields {
		ex[f] = struct{}{}
	}
	return ex
}

// LooksStructured performs the O(length-of-leading-whitespace) fast
// rejection: true iff the first non-whitespace byte is '{' or '['. It never
// parses the content.
func LooksStructured(content string) bool {
	for i := 0; i < len(content); i++ {
		switch content[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// Canonicalize produces the similarity key for content. Object nodes have
// their top-level excluded fields removed, then all remaining members
// (recursively, at every nesting level) are emitted key-ascending. Arrays
// keep element order. Any parse failure, or content that is not structured
// per LooksStructured, falls back to returning content unchanged — this is
// not an error, it is the documented non-structured behavior.
func Canonicalize(content string, exclude Exclusions) (string, error) {
	if !LooksStructured(content) {
		return content, nil
	}

	var value any
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return content, nil
	}

	if obj, ok := value.(map[string]any); ok {
		value = dropFields(obj, exclude)
	}

	var buf bytes.Buffer
	writeCanonical(&buf, value)
	return buf.String(), nil
}

func dropFields(obj map[string]any, exclude Exclusions) map[string]any {
	if len(exclude) == 0 {
		return obj
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, excluded := exclude[k]; excluded {
			continue
		}
		out[k] = v
	}
	return out
}

// writeCanonical renders value with object keys sorted at every level;
// arrays and scalars are emitted with encoding/json's native ordering and
// textual form.
func writeCanonical(buf *bytes.Buffer, value any) {
	switch v := value.(type) {
	case map[string]any:
		buf.WriteByte('{')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			writeCanonical(buf, v[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, elem)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(b)
	}
}

// ExtractField returns the textual form of the top-level field named name,
// or ok=false if content isn't a structured object or the field is absent.
// Used to recover per-original scalars (notably numeric timestamps) at
// envelope-building time.
func ExtractField(content string, name string) (string, bool) {
	if !LooksStructured(content) {
		return "", false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return "", false
	}
	v, ok := raw[name]
	if !ok {
		return "", false
	}
	return string(v), true
}

// ParseSignedInt parses a JSON scalar's textual form as a base-10 signed
// integer, accepting both bare numbers and quoted numeric strings. Used by
// the envelope builder to decide whether an extracted timestamp field is
// numeric (and therefore eligible for the _condensedMeta timestamp list).
func ParseSignedInt(text string) (int64, bool) {
	trimmed := text
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
