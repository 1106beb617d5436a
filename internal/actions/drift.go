package actions

import (
	"sort"

	"triggerflow/pkg/schema"
)

// DriftReport compares freshly discovered tools against recorded hashes.
type DriftReport struct {
	Changed []string          `json:"changed"`
	Added   []string          `json:"added"`
	Removed []string          `json:"removed"`
	Hashes  map[string]string `json:"hashes"`
}

// Drifted is true when a recorded tool changed shape or disappeared.
// New tools alone are not drift.
func (r DriftReport) Drifted() bool {
	return len(r.Changed) > 0 || len(r.Removed) > 0
}

// ToolHashes computes the structural digest of every definition.
func ToolHashes(defs []ActionDefinition) map[string]string {
	out := make(map[string]string, len(defs))
	for _, d := range defs {
		out[d.ID] = schema.HashParam(d.ID, d.Parameters)
	}
	return out
}

// DetectDrift diffs defs against previous (tool name to hash).
func DetectDrift(previous map[string]string, defs []ActionDefinition) DriftReport {
	current := ToolHashes(defs)
	report := DriftReport{Changed: []string{}, Added: []string{}, Removed: []string{}, Hashes: current}
	for name, h := range current {
		old, ok := previous[name]
		switch {
		case !ok:
			report.Added = append(report.Added, name)
		case old != h:
			report.Changed = append(report.Changed, name)
		}
	}
	for name := range previous {
		if _, ok := current[name]; !ok {
			report.Removed = append(report.Removed, name)
		}
	}
	sort.Strings(report.Changed)
	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	return report
}
