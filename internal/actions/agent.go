package actions

import "context"

// Agent outcomes.
const (
	AgentSucceeded  = "succeeded"
	AgentFailed     = "failed"
	AgentNeedsHuman = "needs_human"
)

// AgentRequest starts an agent session for one run. Tools is the action
// catalog the agent may call back into through the Executor. SessionID and
// Approved are set when a suspended session resumes after operator approval.
type AgentRequest struct {
	OrganizationID string
	RunID          string
	Instructions   string
	Event          map[string]any
	Tools          []SourcedAction
	SessionID      string
	Approved       bool
}

// AgentOutcome is what the runtime reports when the session ends or suspends.
type AgentOutcome struct {
	SessionID string
	Status    string
	Summary   string
}

// AgentRuntime runs an AI agent session. It is provided by the host.
type AgentRuntime interface {
	Run(ctx context.Context, req AgentRequest) (AgentOutcome, error)
}
