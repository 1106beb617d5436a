package providers

import (
	"net/http"
	"testing"

	"triggerflow/internal/filter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"ping"}`)
	secret := "s3cr3t"
	sig := Sign(secret, body)

	tests := []struct {
		name   string
		header string
		value  string
		body   []byte
		want   bool
	}{
		{"webhook header", "X-Webhook-Signature", sig, body, true},
		{"x-signature", "X-Signature", sig, body, true},
		{"hub with prefix", "X-Hub-Signature-256", "sha256=" + sig, body, true},
		{"signature-256", "X-Signature-256", sig, body, true},
		{"uppercase hex", "X-Signature", upper(sig), body, true},
		{"wrong signature", "X-Webhook-Signature", "deadbeef", body, false},
		{"mutated body", "X-Webhook-Signature", sig, []byte(`{"event":"pinG"}`), false},
		{"not hex", "X-Webhook-Signature", "zz", body, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(tt.header, tt.value)
			assert.Equal(t, tt.want, VerifySignature(h, secret, tt.body))
		})
	}

	assert.False(t, VerifySignature(http.Header{}, secret, body), "missing signature fails")
}

func TestVerifySignature_FirstPresentHeaderWins(t *testing.T) {
	body := []byte("x")
	h := http.Header{}
	h.Set("X-Webhook-Signature", "deadbeef")
	h.Set("X-Signature", Sign("k", body))
	assert.False(t, VerifySignature(h, "k", body))
}

func TestVerifySignature_SingleByteMutations(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("k", body)
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		h := http.Header{}
		h.Set("X-Webhook-Signature", sig)
		assert.False(t, VerifySignature(h, "k", mutated), "byte %d", i)
	}
	for i := range sig {
		b := []byte(sig)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		h := http.Header{}
		h.Set("X-Webhook-Signature", string(b))
		assert.False(t, VerifySignature(h, "k", body), "sig char %d", i)
	}
}

func TestGenericDedupKey(t *testing.T) {
	a := GenericDedupKey([]byte(`{"event":"ping"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenericDedupKey([]byte(`{"event":"ping"}`)))
	assert.NotEqual(t, a, GenericDedupKey([]byte(`{"event": "ping"}`)))
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"github", "posthog", "sentry"}, r.Names())
	p, ok := r.Get("sentry")
	require.True(t, ok)
	_, isVerifier := p.(Verifier)
	assert.True(t, isVerifier)
	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestPostHog_ParseBatchAndFilter(t *testing.T) {
	body := []byte(`{"batch":[
		{"uuid":"u-1","event":"signup","distinct_id":"d1","properties":{"plan":"pro"},"timestamp":"2024-05-01T10:00:30Z"},
		{"uuid":"u-2","event":"$pageview","distinct_id":"d2","properties":{}}
	]}`)
	p := PostHog{}
	items, err := p.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "u-1", p.ExtractExternalID(items[0]))
	assert.Equal(t, "signup", p.EventType(items[0]))

	cfg := filter.Config{EventNames: []string{"signup"}}
	assert.True(t, p.Filter(items[0], cfg))
	assert.False(t, p.Filter(items[1], cfg))

	ctx := p.ParseContext(items[0])
	assert.Equal(t, "PostHog event signup", ctx.Title)
	assert.Equal(t, "posthog", ctx.Source)
}

func TestPostHog_UnwrapsActionWebhook(t *testing.T) {
	body := []byte(`{"event":{"uuid":"u-9","event":"purchase","properties":{"amount":30}},"person":{"id":"p"}}`)
	items, err := PostHog{}.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "purchase", PostHog{}.EventType(items[0]))
	assert.NotNil(t, items[0]["person"])
}

func TestPostHog_DedupKeyIgnoresCosmeticFields(t *testing.T) {
	p := PostHog{}
	a := Item{"event": "x", "distinct_id": "d", "timestamp": "2024-05-01T10:00:05Z", "properties": map[string]any{"v": 1}}
	b := Item{"event": "x", "distinct_id": "d", "timestamp": "2024-05-01T10:00:50Z", "properties": map[string]any{"v": 2}}
	c := Item{"event": "x", "distinct_id": "d", "timestamp": "2024-05-01T10:01:05Z"}
	assert.Equal(t, p.DedupKey(a), p.DedupKey(b))
	assert.NotEqual(t, p.DedupKey(a), p.DedupKey(c))
}

func TestSentry(t *testing.T) {
	body := []byte(`{"action":"created","data":{"issue":{"id":"42","title":"TypeError: x is undefined","culprit":"app.js","level":"error","lastSeen":"2024-05-01T10:00:10Z","project":{"slug":"web"}}}}`)
	s := Sentry{}
	items, err := s.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, "42", s.ExtractExternalID(items[0]))
	assert.Equal(t, "issue.created", s.EventType(items[0]))
	ctx := s.ParseContext(items[0])
	assert.Equal(t, "TypeError: x is undefined", ctx.Title)
	assert.Equal(t, "web", ctx.Details["project"])

	h := http.Header{}
	h.Set("Sentry-Hook-Signature", Sign("client-secret", body))
	assert.True(t, s.VerifyWebhook(h, "client-secret", body))
	assert.False(t, s.VerifyWebhook(h, "other", body))
	assert.False(t, s.VerifyWebhook(http.Header{}, "client-secret", body))

	assert.True(t, s.Filter(items[0], filter.Config{PropertyFilters: []filter.PropertyFilter{
		{Property: "issue.level", Operator: filter.OpEq, Value: "error"},
	}}))
}

func TestGitHub(t *testing.T) {
	body := []byte(`{"action":"opened","issue":{"id":7,"number":12,"title":"Crash on save","html_url":"https://github.com/o/r/issues/12","updated_at":"2024-05-01T10:00:00Z"},"repository":{"full_name":"o/r"},"sender":{"login":"octo"}}`)
	g := GitHub{}
	items, err := g.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, "issue.opened", g.EventType(items[0]))
	assert.Equal(t, "7", g.ExtractExternalID(items[0]))
	ctx := g.ParseContext(items[0])
	assert.Equal(t, "[o/r] Crash on save", ctx.Title)
	assert.Equal(t, "12", ctx.Details["number"])

	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256="+Sign("gh", body))
	assert.True(t, g.VerifyWebhook(h, "gh", body))
	h.Set("X-Hub-Signature-256", Sign("gh", body))
	assert.False(t, g.VerifyWebhook(h, "gh", body), "prefix is required")
}

func TestGitHub_PushEvent(t *testing.T) {
	items, err := GitHub{}.ParseWebhook([]byte(`{"ref":"refs/heads/main","after":"abc","commits":[],"repository":{"full_name":"o/r"}}`))
	require.NoError(t, err)
	assert.Equal(t, "push", GitHub{}.EventType(items[0]))
	assert.Equal(t, "abc", GitHub{}.ExtractExternalID(items[0]))
}

func TestParseWebhook_Invalid(t *testing.T) {
	_, err := PostHog{}.ParseWebhook([]byte("not json"))
	assert.Error(t, err)
	_, err = Sentry{}.ParseWebhook([]byte(`"string"`))
	assert.Error(t, err)
	_, err = PostHog{}.ParseWebhook([]byte(`[1,2]`))
	assert.Error(t, err)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 32
		}
	}
	return string(b)
}
