package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"triggerflow/internal/models"
	"triggerflow/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestGeneric_NoSecretAccepted(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{})

	res, err := h.ingest.IngestGeneric(context.Background(), trig.ID, header(), []byte(`{"event":"ping"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	require.NotEmpty(t, res.EventID)
	assert.NotEmpty(t, res.RunID)

	ev, err := h.ingest.events.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusQueued, ev.Status)
	assert.Nil(t, ev.SkipReason)
	assert.Equal(t, "ping", ev.ProviderEventType)
	assert.Equal(t, providers.GenericDedupKey([]byte(`{"event":"ping"}`)), ev.DedupKey)
	assert.Equal(t, "ping", decodeJSON(t, ev.ParsedContext)["title"])
}

func TestIngestGeneric_Signature(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{secret: "s3cr3t"})
	body := []byte(`{"event":"ping"}`)
	ctx := context.Background()

	res, err := h.ingest.IngestGeneric(ctx, trig.ID, header("X-Webhook-Signature", providers.Sign("s3cr3t", body)), body)
	require.NoError(t, err)
	assert.True(t, res.Success)

	other := []byte(`{"event":"pong"}`)
	cases := []struct {
		name   string
		header string
		sig    string
	}{
		{"wrong signature", "X-Webhook-Signature", "deadbeef"},
		{"missing signature", "", ""},
		{"signature of other body", "X-Signature", providers.Sign("s3cr3t", body)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hh := header()
			if tc.header != "" {
				hh.Set(tc.header, tc.sig)
			}
			_, err := h.ingest.IngestGeneric(ctx, trig.ID, hh, other)
			require.Error(t, err)
			assert.Equal(t, KindAuth, KindOf(err))
		})
	}
	assert.Equal(t, int64(1), h.count(t, &models.TriggerEvent{}))
}

func TestIngestGeneric_HubSignaturePrefix(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{secret: "k"})
	body := []byte(`{"a":1}`)

	_, err := h.ingest.IngestGeneric(context.Background(), trig.ID, header("X-Hub-Signature-256", "sha256="+providers.Sign("k", body)), body)
	assert.NoError(t, err)
}

func TestIngestGeneric_NonJSONIsWrapped(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{})

	res, err := h.ingest.IngestGeneric(context.Background(), trig.ID, header(), []byte("hello <world>"))
	require.NoError(t, err)
	ev, err := h.ingest.events.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "hello <world>", decodeJSON(t, ev.RawPayload)["raw"])
}

func TestIngestGeneric_UnknownAndDisabled(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	ctx := context.Background()

	_, err := h.ingest.IngestGeneric(ctx, "missing", header(), []byte(`{}`))
	assert.Equal(t, KindNotFound, KindOf(err))

	_, trig := h.seed(t, seedOpts{disabled: true})
	_, err = h.ingest.IngestGeneric(ctx, trig.ID, header(), []byte(`{}`))
	assert.Equal(t, KindDisabled, KindOf(err))

	a, trig2 := h.seed(t, seedOpts{})
	require.NoError(t, h.db.Model(a).Update("enabled", false).Error)
	_, err = h.ingest.IngestGeneric(ctx, trig2.ID, header(), []byte(`{}`))
	assert.Equal(t, KindDisabled, KindOf(err))

	assert.Zero(t, h.count(t, &models.TriggerEvent{}))
}

func TestIngestGeneric_DuplicateWithinWindow(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{})
	body := []byte(`{"event":"ping","n":1}`)
	ctx := context.Background()

	first, err := h.ingest.IngestGeneric(ctx, trig.ID, header(), body)
	require.NoError(t, err)
	second, err := h.ingest.IngestGeneric(ctx, trig.ID, header(), body)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.RunID)
	assert.Equal(t, int64(1), h.count(t, &models.TriggerEvent{}))
	assert.Equal(t, int64(1), h.count(t, &models.AutomationRun{}))

	// outside the window the same body is a new occurrence
	base := time.Now()
	h.ingest.now = func() time.Time { return base.Add(6 * time.Minute) }
	third, err := h.ingest.IngestGeneric(ctx, trig.ID, header(), body)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.Equal(t, int64(2), h.count(t, &models.TriggerEvent{}))
}

func TestIngestGeneric_DedupIsPerTrigger(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, t1 := h.seed(t, seedOpts{})
	_, t2 := h.seed(t, seedOpts{})
	body := []byte(`{"event":"ping"}`)

	_, err := h.ingest.IngestGeneric(context.Background(), t1.ID, header(), body)
	require.NoError(t, err)
	res, err := h.ingest.IngestGeneric(context.Background(), t2.ID, header(), body)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestIngestGeneric_ConcurrentDeliveriesBoundedDuplicates(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{})
	body := []byte(`{"event":"storm"}`)
	const n = 10

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.ingest.IngestGeneric(context.Background(), trig.ID, header(), body)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	events := h.count(t, &models.TriggerEvent{})
	runs := h.count(t, &models.AutomationRun{})
	// check-then-insert is not serialized: at least one, never more than one per delivery
	assert.GreaterOrEqual(t, events, int64(1))
	assert.LessOrEqual(t, events, int64(n))
	assert.Equal(t, events, runs, "every event gets exactly one run")
}

func TestIngestGeneric_FilterMismatchPersistsSkipped(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{config: `{"eventNames":["deploy"]}`})

	res, err := h.ingest.IngestGeneric(context.Background(), trig.ID, header(), []byte(`{"event":"ping"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.RunID)

	ev, err := h.ingest.events.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusSkipped, ev.Status)
	require.NotNil(t, ev.SkipReason)
	assert.Equal(t, models.SkipReasonFilterMismatch, *ev.SkipReason)
	assert.Zero(t, h.count(t, &models.AutomationRun{}))
}

func TestIngestAutomationWebhook(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	a, _ := h.seed(t, seedOpts{})

	res, err := h.ingest.IngestAutomationWebhook(context.Background(), a.ID, header(), []byte(`{"event":"x"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.NotEmpty(t, res.RunID)

	// no generic trigger configured yet
	other := &models.Automation{OrganizationID: testOrg, Name: "fresh", Enabled: true}
	require.NoError(t, h.db.Create(other).Error)
	_, err = h.ingest.IngestAutomationWebhook(context.Background(), other.ID, header(), []byte(`{}`))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestIngestProvider_BatchWithFilter(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	a, _ := h.seed(t, seedOpts{provider: models.ProviderPostHog, config: `{"eventNames":["signup"]}`})
	body := []byte(`{"batch":[
		{"uuid":"u-1","event":"signup","distinct_id":"alice","properties":{"plan":"pro"}},
		{"uuid":"u-2","event":"pageview","distinct_id":"bob","properties":{}}
	]}`)

	res, err := h.ingest.IngestProvider(context.Background(), "posthog", a.ID, header(), body)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)

	var skipped models.TriggerEvent
	require.NoError(t, h.db.Where("external_event_id = ?", "u-2").First(&skipped).Error)
	assert.Equal(t, models.EventStatusSkipped, skipped.Status)
	require.NotNil(t, skipped.SkipReason)
	assert.Equal(t, models.SkipReasonFilterMismatch, *skipped.SkipReason)
	assert.Equal(t, int64(1), h.count(t, &models.AutomationRun{}))

	// redelivery collapses item by item
	again, err := h.ingest.IngestProvider(context.Background(), "posthog", a.ID, header(), body)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 2, again.Duplicates)
}

func TestIngestProvider_Errors(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	a, _ := h.seed(t, seedOpts{provider: models.ProviderSentry, secret: "sentry-secret"})
	ctx := context.Background()

	_, err := h.ingest.IngestProvider(ctx, "pagerduty", a.ID, header(), []byte(`{}`))
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.ingest.IngestProvider(ctx, "posthog", a.ID, header(), []byte(`{}`))
	assert.Equal(t, KindNotFound, KindOf(err), "automation has no posthog trigger")

	_, err = h.ingest.IngestProvider(ctx, "sentry", a.ID, header("Sentry-Hook-Signature", "00"), []byte(`{}`))
	assert.Equal(t, KindAuth, KindOf(err))

	body := []byte(`not json`)
	_, err = h.ingest.IngestProvider(ctx, "sentry", a.ID, header("Sentry-Hook-Signature", providers.Sign("sentry-secret", body)), body)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestTriggerStatus(t *testing.T) {
	h := newHarness(t, AutomationOptions{}, nil)
	_, trig := h.seed(t, seedOpts{provider: models.ProviderGitHub})

	st, err := h.ingest.TriggerStatus(context.Background(), trig.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", st.Status)
	assert.True(t, st.Enabled)
	assert.Equal(t, "github", st.Provider)

	_, err = h.ingest.TriggerStatus(context.Background(), "nope")
	assert.Equal(t, KindNotFound, KindOf(err))
}
