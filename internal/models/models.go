package models

// AutomationRun statuses
const (
	RunStatusQueued     = "queued"
	RunStatusRunning    = "running"
	RunStatusSucceeded  = "succeeded"
	RunStatusFailed     = "failed"
	RunStatusNeedsHuman = "needs_human"
	RunStatusTimedOut   = "timed_out"
	RunStatusSkipped    = "skipped"
	RunStatusCanceled   = "canceled"
)

// IsTerminalRunStatus reports whether a run in status s is finished.
// needs_human is a suspension, not an end state.
func IsTerminalRunStatus(s string) bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut, RunStatusSkipped, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Automation{},
		&Trigger{},
		&TriggerEvent{},
		&AutomationRun{},
		&Connector{},
		&OrgSettings{},
	}
}
