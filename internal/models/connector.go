package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Connector auth types
const (
	ConnectorAuthNone   = "none"
	ConnectorAuthBearer = "bearer"
	ConnectorAuthHeader = "header"
)

// Connector is a row-backed reference to a remote tool server.
type Connector struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:varchar(36);index;not null" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	Transport      string    `gorm:"default:http" json:"transport"`
	URL            string    `gorm:"not null" json:"url"`
	AuthType       string    `gorm:"default:none" json:"auth_type"`
	AuthHeader     string    `json:"auth_header,omitempty"`
	CredentialRef  string    `json:"credential_ref,omitempty"`
	DefaultRisk    string    `gorm:"default:write" json:"default_risk"`
	RiskOverrides  string    `gorm:"type:text" json:"risk_overrides,omitempty"` // JSON: {tool: risk}
	ToolHashes     string    `gorm:"type:text" json:"tool_hashes,omitempty"`    // JSON: {tool: sha256}
	Enabled        bool      `gorm:"default:true" json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c *Connector) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// RiskOverrideMap decodes RiskOverrides; malformed JSON yields an empty map.
func (c *Connector) RiskOverrideMap() map[string]string {
	return decodeStringMap(c.RiskOverrides)
}

// ToolHashMap decodes the last-seen schema hash per tool.
func (c *Connector) ToolHashMap() map[string]string {
	return decodeStringMap(c.ToolHashes)
}

func decodeStringMap(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
