package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestHash_IgnoresCosmeticChanges(t *testing.T) {
	v1 := decodeDoc(t, `{"type":"object","description":"v1","properties":{"query":{"type":"string","description":"search text","default":"a"},"mode":{"type":"string","enum":["fast","slow"]}},"required":["query"]}`)
	v2 := decodeDoc(t, `{"type":"object","description":"v2","properties":{"query":{"type":"string","description":"other text"},"mode":{"type":"string","enum":["fast","slow","auto"]}},"required":["query"]}`)

	assert.Equal(t, Hash("search", v1), Hash("search", v2))
}

func TestHash_DetectsStructuralChanges(t *testing.T) {
	base := `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`
	changes := map[string]string{
		"type change":      `{"type":"object","properties":{"query":{"type":"number"}},"required":["query"]}`,
		"added required":   `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"number"}},"required":["query","limit"]}`,
		"removed required": `{"type":"object","properties":{"query":{"type":"string"}}}`,
		"renamed key":      `{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`,
		"nesting":          `{"type":"object","properties":{"query":{"type":"object","properties":{"text":{"type":"string"}}}},"required":["query"]}`,
	}
	baseHash := Hash("search", decodeDoc(t, base))
	for name, doc := range changes {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, baseHash, Hash("search", decodeDoc(t, doc)))
		})
	}
	assert.NotEqual(t, baseHash, Hash("find", decodeDoc(t, base)), "action id is part of the digest")
}

func TestHash_RequiredOrderIsIrrelevant(t *testing.T) {
	a := decodeDoc(t, `{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"string"}},"required":["a","b"]}`)
	b := decodeDoc(t, `{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"string"}},"required":["b","a"]}`)
	assert.Equal(t, Hash("x", a), Hash("x", b))
}

func TestCanonicalize_KeepsPropertyNamedDescription(t *testing.T) {
	doc := decodeDoc(t, `{"type":"object","properties":{"description":{"type":"string","description":"body"}}}`)
	out := Canonicalize(doc)
	props := out["properties"].(map[string]any)
	require.Contains(t, props, "description")
	assert.NotContains(t, props["description"].(map[string]any), "description")
}

func TestParam_RoundTrip(t *testing.T) {
	doc := decodeDoc(t, `{"type":"object","properties":{"query":{"type":["string","null"],"minLength":1},"tags":{"type":"array","items":{"type":"string"}}},"required":["query"]}`)
	p, err := FromJSONSchema(doc)
	require.NoError(t, err)
	assert.Equal(t, "object", p.Type)
	assert.True(t, p.Properties["query"].Nullable)
	assert.Equal(t, "string", p.Properties["tags"].Items.Type)
	assert.Equal(t, Hash("q", doc), HashParam("q", p))
}

func TestValidate(t *testing.T) {
	p := Object(map[string]*Param{
		"query": String("search text"),
		"limit": Integer("max results"),
	}, "query")

	assert.NoError(t, Validate(p, map[string]any{"query": "hello", "limit": 5}))

	err := Validate(p, map[string]any{"limit": "five"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}
