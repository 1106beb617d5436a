package truncate

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_WithinBudgetIsIdentity(t *testing.T) {
	in := map[string]any{"ok": true, "items": []any{1, 2, 3}}
	out := JSON(in, DefaultMaxBytes)
	assert.Equal(t, in, out)

	raw := []byte(`{"a":1}`)
	assert.Equal(t, raw, Raw(raw, 100))
}

func TestJSON_ArrayKeepsPrefix(t *testing.T) {
	items := make([]any, 500)
	for i := range items {
		items[i] = map[string]any{"id": i, "name": strings.Repeat("x", 20)}
	}
	out := JSON(items, 1024)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), 1024)

	wrapped, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, wrapped["_truncated"])
	kept := wrapped["items"].([]any)
	assert.NotEmpty(t, kept)
	assert.Less(t, len(kept), len(items))
	assert.Contains(t, wrapped["_omitted"], "more items")
}

func TestJSON_ObjectKeepsSortedKeyPrefix(t *testing.T) {
	obj := map[string]any{}
	for i := 0; i < 200; i++ {
		obj[fmt.Sprintf("key_%03d", i)] = strings.Repeat("v", 50)
	}
	out := JSON(obj, 600)
	wrapped, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, wrapped["_truncated"])
	assert.Greater(t, wrapped["_omittedKeys"], 0)
	_, hasFirst := wrapped["key_000"]
	assert.True(t, hasFirst)
	_, hasLast := wrapped["key_199"]
	assert.False(t, hasLast)
	assert.LessOrEqual(t, Size(out), 600)
}

func TestJSON_OversizedPrimitiveCollapses(t *testing.T) {
	huge := strings.Repeat("日本語", 5000)
	out := JSON(huge, 256)
	wrapped, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, wrapped["_truncated"])
	assert.Len(t, wrapped, 2)

	raw := Raw([]byte(`"`+huge+`"`), 256)
	assert.True(t, json.Valid(raw))
	assert.LessOrEqual(t, len(raw), 256)
}

func TestJSON_AlwaysValidAndWithinBudget(t *testing.T) {
	inputs := []any{
		strings.Repeat("a", 4000),
		[]any{strings.Repeat("b", 3000), strings.Repeat("c", 3000)},
		map[string]any{"nested": map[string]any{"deep": strings.Repeat("d", 5000)}, "x": 1},
		func() []any {
			out := make([]any, 1000)
			for i := range out {
				out[i] = i
			}
			return out
		}(),
		map[string]any{"<tag>": "&amp;" + strings.Repeat("é", 2000)},
	}
	for _, in := range inputs {
		for budget := 128; budget <= 4096; budget += 97 {
			out := JSON(in, budget)
			raw, err := json.Marshal(out)
			require.NoError(t, err)
			assert.True(t, json.Valid(raw))
			assert.LessOrEqual(t, len(raw), budget, "budget %d", budget)
		}
	}
}

func TestRaw_InvalidOversizedInput(t *testing.T) {
	raw := Raw([]byte("not json "+strings.Repeat("z", 500)), 128)
	assert.True(t, json.Valid(raw))
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, true, m["_truncated"])
}
