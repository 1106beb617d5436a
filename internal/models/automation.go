package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Trigger providers
const (
	ProviderWebhook = "webhook"
	ProviderPostHog = "posthog"
	ProviderSentry  = "sentry"
	ProviderGitHub  = "github"
)

// TriggerEvent statuses
const (
	EventStatusQueued    = "queued"
	EventStatusCompleted = "completed"
	EventStatusSkipped   = "skipped"
)

// SkipReasonFilterMismatch 过滤未通过
const SkipReasonFilterMismatch = "filter_mismatch"

// Automation 自动化定义：触发后依次执行 Steps（或交给 agent runtime）
type Automation struct {
	ID                string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID    string    `gorm:"type:varchar(36);index;not null" json:"organization_id"`
	Name              string    `gorm:"not null" json:"name"`
	Enabled           bool      `gorm:"default:true" json:"enabled"`
	Steps             string    `gorm:"type:text" json:"steps"` // JSON: [{source,action,params}]
	AgentInstructions string    `gorm:"type:text" json:"agent_instructions,omitempty"`
	Assignee          string    `json:"assignee,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Trigger binds an automation to one inbound event source.
type Trigger struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:varchar(36);index;not null" json:"organization_id"`
	AutomationID   string    `gorm:"type:varchar(36);index;not null" json:"automation_id"`
	Name           string    `json:"name"`
	Provider       string    `gorm:"index;not null" json:"provider"`
	Enabled        bool      `gorm:"default:true" json:"enabled"`
	Secret         *string   `json:"-"`
	Config         string    `gorm:"type:text" json:"config"` // JSON: filter.Config
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TriggerEvent 一次入站事件（去重后）
type TriggerEvent struct {
	ID                string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	TriggerID         string    `gorm:"type:varchar(36);index:idx_trigger_events_dedup,priority:1;not null" json:"trigger_id"`
	OrganizationID    string    `gorm:"type:varchar(36);index;not null" json:"organization_id"`
	ExternalEventID   string    `gorm:"index" json:"external_event_id,omitempty"`
	DedupKey          string    `gorm:"index:idx_trigger_events_dedup,priority:2;not null" json:"dedup_key"`
	ProviderEventType string    `json:"provider_event_type,omitempty"`
	RawPayload        string    `gorm:"type:text" json:"raw_payload"`
	ParsedContext     string    `gorm:"type:text" json:"parsed_context"`
	Status            string    `gorm:"index;not null" json:"status"`
	SkipReason        *string   `json:"skip_reason,omitempty"`
	CreatedAt         time.Time `gorm:"index:idx_trigger_events_dedup,priority:3" json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AutomationRun 执行记录用于审计
type AutomationRun struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID string     `gorm:"type:varchar(36);index;not null" json:"organization_id"`
	AutomationID   string     `gorm:"type:varchar(36);index;not null" json:"automation_id"`
	TriggerID      string     `gorm:"type:varchar(36);index" json:"trigger_id"`
	TriggerEventID *string    `gorm:"type:varchar(36);uniqueIndex" json:"trigger_event_id,omitempty"`
	Status         string     `gorm:"index;not null" json:"status"`
	StatusReason   *string    `gorm:"type:text" json:"status_reason,omitempty"`
	ErrorMessage   *string    `gorm:"type:text" json:"error_message,omitempty"`
	Assignee       string     `json:"assignee,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	HeldStep       *int       `json:"held_step,omitempty"`
	QueuedAt       time.Time  `gorm:"not null" json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ResumedAt      *time.Time `json:"resumed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// OrgSettings holds per-organization execution policy.
type OrgSettings struct {
	OrganizationID   string    `gorm:"type:varchar(36);primaryKey" json:"organization_id"`
	AlwaysAllowWrite bool      `gorm:"default:false" json:"always_allow_write"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (a *Automation) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func (t *Trigger) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (e *TriggerEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (r *AutomationRun) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
