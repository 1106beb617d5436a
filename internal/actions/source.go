// Package actions is the execution layer shared by fixed provider adapters
// and remote tool-server connectors.
package actions

import (
	"context"
	"errors"
	"time"

	"triggerflow/pkg/schema"
)

// Origin distinguishes the two kinds of action source.
type Origin string

const (
	OriginAdapter   Origin = "adapter"
	OriginConnector Origin = "connector"
)

// RiskLevel classifies what an action may do.
type RiskLevel string

const (
	RiskRead   RiskLevel = "read"
	RiskWrite  RiskLevel = "write"
	RiskDanger RiskLevel = "danger"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	return r == RiskRead || r == RiskWrite || r == RiskDanger
}

// ActionDefinition describes one callable operation.
type ActionDefinition struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	RiskLevel   RiskLevel     `json:"riskLevel"`
	Parameters  *schema.Param `json:"parameters"`
}

// ActionResult is the only shape an execution returns. Failures are values.
type ActionResult struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Credential is resolved by the platform and handed to a source per call.
type Credential struct {
	Token string `json:"-"`
	// Header overrides the Authorization header name when set.
	Header string `json:"header,omitempty"`
}

// ExecutionContext carries all per-call identity into a source.
type ExecutionContext struct {
	OrganizationID string
	RunID          string
	SessionID      string
	Credential     *Credential
}

// Source is implemented by every adapter and connector. Implementations
// hold no per-call state; everything call-specific comes in through ec.
type Source interface {
	ID() string
	Origin() Origin
	ListActions(ctx context.Context, ec ExecutionContext) ([]ActionDefinition, error)
	Execute(ctx context.Context, actionID string, params map[string]any, ec ExecutionContext) ActionResult
}

var (
	ErrSourceNotFound    = errors.New("action source not found")
	ErrActionNotFound    = errors.New("action not found")
	ErrMissingCredential = errors.New("missing credential")
)

// Succeed builds a successful result timed from start.
func Succeed(start time.Time, data any) ActionResult {
	return ActionResult{Success: true, Data: data, DurationMs: time.Since(start).Milliseconds()}
}

// Fail builds a failed result timed from start.
func Fail(start time.Time, err error) ActionResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ActionResult{Success: false, Error: msg, DurationMs: time.Since(start).Milliseconds()}
}

// FindAction returns the definition with id from defs.
func FindAction(defs []ActionDefinition, id string) (ActionDefinition, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, true
		}
	}
	return ActionDefinition{}, false
}
