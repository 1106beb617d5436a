// Package schema converts action parameter schemas between the internal Param
// representation and JSON Schema, validates call parameters against them and
// computes the structural digests used for connector drift detection.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Param is the internal parameter-schema representation shared by adapter and
// connector actions. Keywords Param has no field for are kept in Extra so that
// a round trip through JSON Schema is lossless.
type Param struct {
	Type        string            `json:"type,omitempty"`
	Nullable    bool              `json:"nullable,omitempty"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]*Param `json:"properties,omitempty"`
	Items       *Param            `json:"items,omitempty"`
	Required    []string          `json:"required,omitempty"`
	Enum        []any             `json:"enum,omitempty"`
	Default     any               `json:"default,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
}

// Object is a shorthand for an object schema with the given properties.
func Object(props map[string]*Param, required ...string) *Param {
	return &Param{Type: "object", Properties: props, Required: required}
}

// String is a shorthand for a described string property.
func String(description string) *Param {
	return &Param{Type: "string", Description: description}
}

// Number is a shorthand for a described number property.
func Number(description string) *Param {
	return &Param{Type: "number", Description: description}
}

// Integer is a shorthand for a described integer property.
func Integer(description string) *Param {
	return &Param{Type: "integer", Description: description}
}

// Boolean is a shorthand for a described boolean property.
func Boolean(description string) *Param {
	return &Param{Type: "boolean", Description: description}
}

// ArrayOf is a shorthand for an array property.
func ArrayOf(items *Param, description string) *Param {
	return &Param{Type: "array", Items: items, Description: description}
}

// FromJSONSchema converts a JSON Schema document (as decoded JSON) into a Param.
func FromJSONSchema(doc map[string]any) (*Param, error) {
	if doc == nil {
		return &Param{Type: "object"}, nil
	}
	p := &Param{}
	for k, v := range doc {
		switch k {
		case "type":
			if err := p.setType(v); err != nil {
				return nil, err
			}
		case "description":
			s, _ := v.(string)
			p.Description = s
		case "properties":
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("properties: expected object, got %T", v)
			}
			p.Properties = make(map[string]*Param, len(m))
			for name, raw := range m {
				child, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("property %q: expected object, got %T", name, raw)
				}
				cp, err := FromJSONSchema(child)
				if err != nil {
					return nil, fmt.Errorf("property %q: %w", name, err)
				}
				p.Properties[name] = cp
			}
		case "items":
			child, ok := v.(map[string]any)
			if !ok {
				p.extra(k, v)
				continue
			}
			cp, err := FromJSONSchema(child)
			if err != nil {
				return nil, fmt.Errorf("items: %w", err)
			}
			p.Items = cp
		case "required":
			p.Required = toStrings(v)
		case "enum":
			if arr, ok := v.([]any); ok {
				p.Enum = arr
			}
		case "default":
			p.Default = v
		default:
			p.extra(k, v)
		}
	}
	return p, nil
}

// ToJSONSchema renders p as a JSON Schema document.
func (p *Param) ToJSONSchema() map[string]any {
	if p == nil {
		return map[string]any{"type": "object"}
	}
	out := make(map[string]any, len(p.Extra)+8)
	for k, v := range p.Extra {
		out[k] = v
	}
	switch {
	case p.Type != "" && p.Nullable:
		out["type"] = []any{p.Type, "null"}
	case p.Type != "":
		out["type"] = p.Type
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Properties) > 0 {
		props := make(map[string]any, len(p.Properties))
		for name, child := range p.Properties {
			props[name] = child.ToJSONSchema()
		}
		out["properties"] = props
	}
	if p.Items != nil {
		out["items"] = p.Items.ToJSONSchema()
	}
	if len(p.Required) > 0 {
		req := make([]any, len(p.Required))
		for i, r := range p.Required {
			req[i] = r
		}
		out["required"] = req
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	return out
}

// MarshalSchema renders p as JSON Schema bytes.
func (p *Param) MarshalSchema() ([]byte, error) {
	return json.Marshal(p.ToJSONSchema())
}

func (p *Param) setType(v any) error {
	switch t := v.(type) {
	case string:
		p.Type = t
	case []any:
		for _, item := range t {
			s, _ := item.(string)
			if s == "null" {
				p.Nullable = true
				continue
			}
			if p.Type == "" {
				p.Type = s
			} else {
				// more than one non-null type; keep the union verbatim
				p.Type = ""
				p.Nullable = false
				p.extra("type", v)
				return nil
			}
		}
	default:
		return fmt.Errorf("type: unsupported value %T", v)
	}
	return nil
}

func (p *Param) extra(k string, v any) {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[k] = v
}

func toStrings(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func sortedStrings(v any) []string {
	out := toStrings(v)
	sort.Strings(out)
	return out
}
