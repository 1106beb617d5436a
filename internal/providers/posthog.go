package providers

import (
	"fmt"
	"time"

	"triggerflow/internal/filter"
)

// PostHog handles analytics event webhooks. A delivery is a single event,
// a {"batch": [...]} envelope, or a bare array. Action webhooks wrap the
// event under "event" with the person alongside; those are unwrapped.
type PostHog struct{}

func (PostHog) Name() string { return "posthog" }

func (PostHog) ParseWebhook(body []byte) ([]Item, error) {
	items, err := decodeItems(body, "batch")
	if err != nil {
		return nil, err
	}
	for i, it := range items {
		if inner, ok := it["event"].(map[string]any); ok {
			unwrapped := Item(inner)
			if person, ok := it["person"]; ok {
				unwrapped["person"] = person
			}
			items[i] = unwrapped
		}
	}
	return items, nil
}

func (PostHog) ExtractExternalID(item Item) string {
	if id := str(item, "uuid"); id != "" {
		return id
	}
	return str(item, "id")
}

func (PostHog) EventType(item Item) string { return str(item, "event") }

func (p PostHog) ParseContext(item Item) Context {
	name := p.EventType(item)
	who := str(item, "distinct_id")
	ctx := Context{
		Title:   fmt.Sprintf("PostHog event %s", name),
		Source:  p.Name(),
		URL:     str(item, "properties", "$current_url"),
		Details: map[string]any{"event": name, "distinct_id": who, "timestamp": str(item, "timestamp")},
	}
	if who != "" {
		ctx.Summary = fmt.Sprintf("%s triggered by %s", name, who)
	}
	if props := obj(item, "properties"); props != nil {
		ctx.Details["properties"] = props
	}
	return ctx
}

// DedupKey prefers the event uuid; otherwise it falls back to name,
// person and the timestamp truncated to the minute.
func (p PostHog) DedupKey(item Item) string {
	if id := p.ExtractExternalID(item); id != "" {
		return hashKey(p.Name(), id)
	}
	return hashKey(p.Name(), p.EventType(item), str(item, "distinct_id"), minuteBucket(str(item, "timestamp")))
}

func (p PostHog) FilterEvent(item Item) filter.Event {
	props := obj(item, "properties")
	if props == nil {
		props = map[string]any{}
	}
	return filter.Event{Name: p.EventType(item), Properties: props}
}

func (p PostHog) Filter(item Item, cfg filter.Config) bool {
	return filter.Match(p.FilterEvent(item), cfg)
}

func minuteBucket(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}
