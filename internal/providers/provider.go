// Package providers normalizes third-party webhook deliveries into event items.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"triggerflow/internal/filter"
)

// Item is one logical event inside a delivery.
type Item map[string]any

// Context is the canonical, provider-independent view of an item.
type Context struct {
	Title    string         `json:"title"`
	Summary  string         `json:"summary,omitempty"`
	Source   string         `json:"source"`
	URL      string         `json:"url,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Analysis map[string]any `json:"analysis,omitempty"`
}

// Provider adapts one webhook source.
type Provider interface {
	Name() string
	// ParseWebhook splits a delivery into items; a delivery may batch events.
	ParseWebhook(body []byte) ([]Item, error)
	ExtractExternalID(item Item) string
	EventType(item Item) string
	ParseContext(item Item) Context
	// DedupKey is derived from stable provider fields so cosmetic re-deliveries collapse.
	DedupKey(item Item) string
	FilterEvent(item Item) filter.Event
	Filter(item Item, cfg filter.Config) bool
}

// Verifier is implemented by providers with their own signature scheme.
type Verifier interface {
	VerifyWebhook(header http.Header, secret string, body []byte) bool
}

// Registry maps provider names to adapters. Built once at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// NewDefaultRegistry returns a registry with every built-in provider.
func NewDefaultRegistry() *Registry {
	return NewRegistry(PostHog{}, Sentry{}, GitHub{})
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// decodeItems accepts a single object, an array of objects, or an object
// wrapping an array under batchKey.
func decodeItems(body []byte, batchKey string) ([]Item, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}
	switch v := raw.(type) {
	case []any:
		return toItems(v)
	case map[string]any:
		if batchKey != "" {
			if batch, ok := v[batchKey].([]any); ok {
				return toItems(batch)
			}
		}
		return []Item{Item(v)}, nil
	default:
		return nil, fmt.Errorf("invalid webhook body: expected object or array")
	}
}

func toItems(list []any) ([]Item, error) {
	items := make([]Item, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid webhook body: item %d is not an object", i)
		}
		items = append(items, Item(m))
	}
	return items, nil
}

func str(m map[string]any, path ...string) string {
	v, ok := filter.Lookup(m, strings.Join(path, "."))
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}

func obj(m map[string]any, path ...string) map[string]any {
	v, _ := filter.Lookup(m, strings.Join(path, "."))
	out, _ := v.(map[string]any)
	return out
}
