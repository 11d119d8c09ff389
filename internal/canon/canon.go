// Package canon produces deterministic byte-level serializations of
// structured values, used wherever a hash or fingerprint is taken.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// timeFormat matches the fixed UTC textual form used throughout the
// audit trail and anti-replay fingerprints.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// JSON renders v as a canonical JSON string: object keys sorted
// lexicographically, no insignificant whitespace, identifier-like values
// as strings. time.Time values given directly or held in
// map[string]interface{}/[]interface{} are rendered in a single fixed UTC
// form; a time.Time inside a struct field is rendered by encoding/json
// (RFC 3339 with its own zone offset) and is not converted to UTC.
func JSON(v interface{}) (string, error) {
	normalized := normalize(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return "", fmt.Errorf("canon: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; strip it.
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Fingerprint returns the lowercase hex SHA-256 of v's canonical JSON
// form. Used to detect a replayed request_id whose body has changed.
func Fingerprint(v interface{}) (string, error) {
	body, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:]), nil
}

// normalize walks v, rendering UUIDs/timestamps in their fixed textual
// forms and normalizing nested maps, slices and structs. Key order in the
// output comes from encoding/json, which writes map keys sorted.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case uuid.UUID:
		return val.String()
	case *uuid.UUID:
		if val == nil {
			return nil
		}
		return val.String()
	case time.Time:
		return val.UTC().Format(timeFormat)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(timeFormat)
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return normalizeReflect(v)
	}
}

// normalizeMap returns a new map with every value normalized; the map is
// unordered, and the JSON encoder sorts its keys when writing it.
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = normalize(m[k])
	}
	return out
}

// normalizeReflect handles struct values by round-tripping through
// encoding/json into a generic map/slice tree, then normalizing that.
// Scalars pass through unchanged (encoding/json already renders float64
// in its shortest exact decimal form).
func normalizeReflect(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, json.Number:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return v
	}
	return normalize(generic)
}
