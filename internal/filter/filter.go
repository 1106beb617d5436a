// Package filter decides whether an inbound event should advance to a run.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Operators for PropertyFilter.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
	OpExists   = "exists"
	OpGt       = "gt"
	OpLt       = "lt"
)

// Config is the declarative per-trigger filter, stored as JSON on the trigger.
type Config struct {
	EventNames      []string         `json:"eventNames,omitempty"`
	PropertyFilters []PropertyFilter `json:"propertyFilters,omitempty"`
	NaturalLanguage string           `json:"naturalLanguage,omitempty"`
}

// PropertyFilter compares one dot-path property of the event.
type PropertyFilter struct {
	Property string `json:"property"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Event is the filterable view of one webhook item.
type Event struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// ParseConfig decodes a trigger's stored config. Empty input is an empty config.
func ParseConfig(raw string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse filter config: %w", err)
	}
	return cfg, nil
}

// Match applies the event-name allow-list and every property filter.
// It does not consult the natural-language rule.
func Match(ev Event, cfg Config) bool {
	if len(cfg.EventNames) > 0 && !contains(cfg.EventNames, ev.Name) {
		return false
	}
	for _, pf := range cfg.PropertyFilters {
		if !pf.matches(ev.Properties) {
			return false
		}
	}
	return true
}

// Classifier evaluates a natural-language filter description against an event.
type Classifier interface {
	FilterPasses(ctx context.Context, ev Event, prompt string) (bool, error)
}

// Evaluator combines the declarative rules with an optional Classifier.
type Evaluator struct {
	classifier Classifier
	logger     *logrus.Logger
}

func NewEvaluator(classifier Classifier, logger *logrus.Logger) *Evaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Evaluator{classifier: classifier, logger: logger}
}

// Evaluate reports whether ev passes cfg. A classifier error lets the event
// through so that a flaky classifier never drops deliveries.
func (e *Evaluator) Evaluate(ctx context.Context, ev Event, cfg Config) bool {
	if !Match(ev, cfg) {
		return false
	}
	prompt := strings.TrimSpace(cfg.NaturalLanguage)
	if prompt == "" || e.classifier == nil {
		return true
	}
	ok, err := e.classifier.FilterPasses(ctx, ev, prompt)
	if err != nil {
		e.logger.WithError(err).WithField("event", ev.Name).Warn("natural-language filter failed, passing event")
		return true
	}
	return ok
}

func (pf PropertyFilter) matches(props map[string]any) bool {
	got, found := Lookup(props, pf.Property)
	switch pf.Operator {
	case OpExists:
		return found && got != nil
	case OpEq, "":
		return found && equal(got, pf.Value)
	case OpNeq:
		return !found || !equal(got, pf.Value)
	case OpContains:
		if !found {
			return false
		}
		return containsValue(got, pf.Value)
	case OpGt, OpLt:
		a, ok1 := toFloat(got)
		b, ok2 := toFloat(pf.Value)
		if !found || !ok1 || !ok2 {
			return false
		}
		if pf.Operator == OpGt {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

// Lookup resolves a dot-separated path inside nested maps.
func Lookup(props map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = props
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares two strings literally; numeric coercion applies only when
// at least one side is not a string.
func equal(a, b any) bool {
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return sa == sb
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(g, w)
	case []any:
		for _, item := range g {
			if equal(item, want) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
