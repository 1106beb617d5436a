package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// cosmetic keywords change often without affecting call compatibility.
var cosmetic = map[string]bool{
	"description": true,
	"default":     true,
	"enum":        true,
}

// Canonicalize returns a copy of doc with description, default and enum
// removed at every schema position, and required sorted. Property names are
// never stripped, even when a property is itself called "description".
func Canonicalize(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if cosmetic[k] {
			continue
		}
		switch k {
		case "properties", "patternProperties", "$defs", "definitions":
			if m, ok := v.(map[string]any); ok {
				named := make(map[string]any, len(m))
				for name, child := range m {
					named[name] = canonicalNode(child)
				}
				out[k] = named
				continue
			}
		case "items", "additionalProperties", "additionalItems", "not", "contains", "propertyNames":
			out[k] = canonicalNode(v)
			continue
		case "anyOf", "oneOf", "allOf", "prefixItems":
			out[k] = canonicalNode(v)
			continue
		case "required":
			out[k] = sortedStrings(v)
			continue
		}
		out[k] = v
	}
	return out
}

func canonicalNode(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Canonicalize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = canonicalNode(item)
		}
		return out
	default:
		return v
	}
}

// Hash digests {actionId, canonicalSchema} with SHA-256. encoding/json emits
// map keys in sorted order, which makes the serialization deterministic.
func Hash(actionID string, doc map[string]any) string {
	if doc == nil {
		doc = map[string]any{}
	}
	payload := map[string]any{
		"actionId":        actionID,
		"canonicalSchema": Canonicalize(doc),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// only reachable with non-JSON values injected by Go callers
		raw = []byte(actionID)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashParam is Hash over the JSON Schema rendering of p.
func HashParam(actionID string, p *Param) string {
	return Hash(actionID, p.ToJSONSchema())
}
