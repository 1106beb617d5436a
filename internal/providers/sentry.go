package providers

import (
	"fmt"
	"net/http"

	"triggerflow/internal/filter"
)

// Sentry handles issue and event-alert webhooks from an integration.
// Deliveries are signed with Sentry-Hook-Signature (hex HMAC-SHA256).
type Sentry struct{}

func (Sentry) Name() string { return "sentry" }

func (Sentry) ParseWebhook(body []byte) ([]Item, error) {
	return decodeItems(body, "")
}

func (Sentry) VerifyWebhook(header http.Header, secret string, body []byte) bool {
	sig := header.Get("Sentry-Hook-Signature")
	if sig == "" {
		return false
	}
	return VerifyHex(secret, body, sig)
}

func (Sentry) ExtractExternalID(item Item) string {
	if id := str(item, "data", "issue", "id"); id != "" {
		return id
	}
	if id := str(item, "data", "event", "event_id"); id != "" {
		return id
	}
	return str(item, "data", "error", "event_id")
}

func (Sentry) EventType(item Item) string {
	action := str(item, "action")
	switch {
	case obj(item, "data", "issue") != nil:
		return "issue." + action
	case obj(item, "data", "event") != nil:
		return "event_alert." + action
	case obj(item, "data", "error") != nil:
		return "error." + action
	}
	return action
}

func (s Sentry) ParseContext(item Item) Context {
	issue := obj(item, "data", "issue")
	if issue == nil {
		issue = obj(item, "data", "event")
	}
	if issue == nil {
		issue = obj(item, "data", "error")
	}
	ctx := Context{Source: s.Name(), Details: map[string]any{"type": s.EventType(item)}}
	if issue == nil {
		ctx.Title = "Sentry " + s.EventType(item)
		return ctx
	}
	ctx.Title = str(issue, "title")
	ctx.Summary = str(issue, "culprit")
	ctx.URL = str(issue, "web_url")
	if ctx.URL == "" {
		ctx.URL = str(issue, "permalink")
	}
	for _, k := range []string{"level", "shortId", "status", "count", "userCount", "platform"} {
		if v, ok := issue[k]; ok {
			ctx.Details[k] = v
		}
	}
	if project := obj(issue, "project"); project != nil {
		ctx.Details["project"] = str(project, "slug")
	}
	if ctx.Title == "" {
		ctx.Title = fmt.Sprintf("Sentry %s", s.EventType(item))
	}
	return ctx
}

// DedupKey is issue id + action + lastSeen bucketed to the minute, so
// Sentry retries collapse while a regression later on is a new event.
func (s Sentry) DedupKey(item Item) string {
	seen := str(item, "data", "issue", "lastSeen")
	if seen == "" {
		seen = str(item, "data", "event", "datetime")
	}
	return hashKey(s.Name(), s.ExtractExternalID(item), str(item, "action"), minuteBucket(seen))
}

func (s Sentry) FilterEvent(item Item) filter.Event {
	props := obj(item, "data")
	if props == nil {
		props = map[string]any{}
	}
	return filter.Event{Name: s.EventType(item), Properties: props}
}

func (s Sentry) Filter(item Item, cfg filter.Config) bool {
	return filter.Match(s.FilterEvent(item), cfg)
}
