// Package truncate bounds the serialized size of action results before they are
// handed to a context-constrained consumer. Truncation is always structural:
// the serialized text is never sliced, so the output is valid JSON.
package truncate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultMaxBytes 默认结果预算（10KB）
const DefaultMaxBytes = 10 * 1024

const (
	keyTruncated    = "_truncated"
	keyOriginalSize = "_originalSize"
	keyItems        = "items"
	keyOmitted      = "_omitted"
	keyOmittedKeys  = "_omittedKeys"
)

// JSON returns v unchanged when its serialized form fits in maxBytes. Otherwise
// arrays and objects keep the longest prefix of elements (keys in sorted order)
// that fits once wrapped with truncation metadata, and primitives collapse to
// {"_truncated":true,"_originalSize":n}.
func JSON(v any, maxBytes int) any {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	raw, err := marshal(v)
	if err != nil {
		return marker(0)
	}
	if len(raw) <= maxBytes {
		return v
	}
	generic, err := decode(raw)
	if err != nil {
		return marker(len(raw))
	}
	switch t := generic.(type) {
	case []any:
		return truncateArray(t, len(raw), maxBytes)
	case map[string]any:
		return truncateObject(t, len(raw), maxBytes)
	default:
		return marker(len(raw))
	}
}

// Raw is JSON for already-serialized input. Input that is not valid JSON and
// exceeds the budget cannot be truncated structurally and yields the marker.
func Raw(raw []byte, maxBytes int) []byte {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(raw) <= maxBytes {
		return raw
	}
	v, err := decode(raw)
	if err != nil {
		out, _ := marshal(marker(len(raw)))
		return out
	}
	out, err := marshal(JSON(v, maxBytes))
	if err != nil {
		out, _ = marshal(marker(len(raw)))
	}
	return out
}

// Size reports the serialized size of v, or -1 when v cannot be serialized.
func Size(v any) int {
	raw, err := marshal(v)
	if err != nil {
		return -1
	}
	return len(raw)
}

func truncateArray(items []any, originalSize, maxBytes int) any {
	wrap := func(k int) map[string]any {
		return map[string]any{
			keyTruncated:    true,
			keyOriginalSize: originalSize,
			keyItems:        items[:k],
			keyOmitted:      fmt.Sprintf("%d more items", len(items)-k),
		}
	}
	k := maxFitting(len(items), func(k int) bool { return fits(wrap(k), maxBytes) })
	if k < 0 {
		return marker(originalSize)
	}
	return wrap(k)
}

func truncateObject(obj map[string]any, originalSize, maxBytes int) any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	wrap := func(k int) map[string]any {
		out := make(map[string]any, k+3)
		for _, key := range keys[:k] {
			out[key] = obj[key]
		}
		out[keyTruncated] = true
		out[keyOriginalSize] = originalSize
		out[keyOmittedKeys] = len(keys) - k
		return out
	}
	k := maxFitting(len(keys), func(k int) bool { return fits(wrap(k), maxBytes) })
	if k < 0 {
		return marker(originalSize)
	}
	return wrap(k)
}

// maxFitting binary-searches the largest k in [0, n] with fit(k) true,
// assuming fit is monotonically non-increasing in k. Returns -1 when even
// k=0 does not fit.
func maxFitting(n int, fit func(int) bool) int {
	first := sort.Search(n+1, func(k int) bool { return !fit(k) })
	return first - 1
}

func fits(v any, maxBytes int) bool {
	raw, err := marshal(v)
	return err == nil && len(raw) <= maxBytes
}

func marker(originalSize int) map[string]any {
	return map[string]any{
		keyTruncated:    true,
		keyOriginalSize: originalSize,
	}
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
