package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"triggerflow/internal/actions"
	appmetrics "triggerflow/internal/metrics"
	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ConnectorStore is the gorm-backed actions.ConnectorStore.
type ConnectorStore struct {
	db *gorm.DB
}

func NewConnectorStore(db *gorm.DB) *ConnectorStore { return &ConnectorStore{db: db} }

func (s *ConnectorStore) ListEnabledConnectors(ctx context.Context, orgID string) ([]models.Connector, error) {
	var rows []models.Connector
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND enabled = ?", orgID, true).
		Order("name ASC").
		Find(&rows).Error
	return rows, err
}

// GetConnector returns nil, nil when the connector does not exist for orgID.
func (s *ConnectorStore) GetConnector(ctx context.Context, orgID, id string) (*models.Connector, error) {
	var row models.Connector
	err := s.db.WithContext(ctx).Where("id = ? AND organization_id = ?", id, orgID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SettingsStore reads OrgSettings; an organization without a row gets the defaults.
type SettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(db *gorm.DB) *SettingsStore { return &SettingsStore{db: db} }

func (s *SettingsStore) AlwaysAllowWrite(ctx context.Context, orgID string) (bool, error) {
	var row models.OrgSettings
	err := s.db.WithContext(ctx).First(&row, "organization_id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.AlwaysAllowWrite, nil
}

// ValidatedTool is one tool reported by a validation round-trip.
type ValidatedTool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	RiskLevel   actions.RiskLevel `json:"riskLevel"`
}

// Diagnostics explains a failed validation.
type Diagnostics struct {
	Class   actions.ErrorClass `json:"class"`
	Message string             `json:"message"`
}

// ValidationResult is the synchronous connector test result.
type ValidationResult struct {
	OK          bool            `json:"ok"`
	Tools       []ValidatedTool `json:"tools"`
	Error       string          `json:"error,omitempty"`
	Diagnostics *Diagnostics    `json:"diagnostics,omitempty"`
}

// DriftResult is the outcome of CheckDrift.
type DriftResult struct {
	ConnectorID string              `json:"connectorId"`
	Drifted     bool                `json:"drifted"`
	Recorded    bool                `json:"recorded"`
	Report      actions.DriftReport `json:"report"`
}

// ConnectorService tests connectors and tracks their tool schema drift.
type ConnectorService struct {
	db        *gorm.DB
	store     *ConnectorStore
	resolver  *actions.Resolver
	transport actions.Transport
	logger    *logrus.Logger
}

func NewConnectorService(db *gorm.DB, resolver *actions.Resolver, transport actions.Transport, logger *logrus.Logger) *ConnectorService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnectorService{db: db, store: NewConnectorStore(db), resolver: resolver, transport: transport, logger: logger}
}

// Validate performs one discovery round-trip against an unsaved connector.
// Configuration problems are returned as validation errors; transport
// problems are reported inside the result.
func (s *ConnectorService) Validate(ctx context.Context, conn models.Connector) (*ValidationResult, error) {
	if err := validateConnector(&conn); err != nil {
		return nil, err
	}
	src := actions.NewConnectorSource(conn, s.transport)
	defs, err := s.discover(ctx, src, conn.OrganizationID)
	if err != nil {
		return &ValidationResult{
			OK:          false,
			Tools:       []ValidatedTool{},
			Error:       err.Error(),
			Diagnostics: &Diagnostics{Class: actions.Classify(err), Message: diagnosticMessage(actions.Classify(err))},
		}, nil
	}

	res := &ValidationResult{OK: true, Tools: make([]ValidatedTool, 0, len(defs))}
	for _, d := range defs {
		res.Tools = append(res.Tools, ValidatedTool{Name: d.ID, Description: d.Description, RiskLevel: d.RiskLevel})
	}
	return res, nil
}

// CheckDrift rediscovers a saved connector and compares its tool hashes with
// the recorded ones. The first discovery records hashes without flagging
// drift; new tools are recorded; changed or removed tools are flagged and
// left unrecorded until acknowledged.
func (s *ConnectorService) CheckDrift(ctx context.Context, orgID, connectorID string) (*DriftResult, error) {
	conn, defs, err := s.load(ctx, orgID, connectorID)
	if err != nil {
		return nil, err
	}
	previous := conn.ToolHashMap()
	report := actions.DetectDrift(previous, defs)
	res := &DriftResult{ConnectorID: conn.ID, Drifted: len(previous) > 0 && report.Drifted(), Report: report}

	log := s.logger.WithField("connector_id", conn.ID)
	if res.Drifted {
		appmetrics.AddConnectorDrift(conn.ID, len(report.Changed)+len(report.Removed))
		log.WithFields(logrus.Fields{"changed": report.Changed, "removed": report.Removed}).Warn("connector tool schema drift")
		return res, nil
	}
	if len(previous) == 0 || len(report.Added) > 0 {
		if err := s.recordHashes(ctx, conn.ID, report.Hashes); err != nil {
			return nil, err
		}
		res.Recorded = true
	}
	return res, nil
}

// AcknowledgeDrift records the current tool hashes as reviewed.
func (s *ConnectorService) AcknowledgeDrift(ctx context.Context, orgID, connectorID string) (*DriftResult, error) {
	conn, defs, err := s.load(ctx, orgID, connectorID)
	if err != nil {
		return nil, err
	}
	report := actions.DetectDrift(conn.ToolHashMap(), defs)
	if err := s.recordHashes(ctx, conn.ID, report.Hashes); err != nil {
		return nil, err
	}
	s.logger.WithField("connector_id", conn.ID).Info("connector drift acknowledged")
	return &DriftResult{ConnectorID: conn.ID, Recorded: true, Report: report}, nil
}

func (s *ConnectorService) load(ctx context.Context, orgID, connectorID string) (*models.Connector, []actions.ActionDefinition, error) {
	conn, err := s.store.GetConnector(ctx, orgID, connectorID)
	if err != nil {
		return nil, nil, newError(KindInternal, "failed to load connector", err)
	}
	if conn == nil {
		return nil, nil, newError(KindNotFound, "connector not found", nil)
	}
	defs, err := s.discover(ctx, actions.NewConnectorSource(*conn, s.transport), orgID)
	if err != nil {
		return nil, nil, newError(KindTransport, fmt.Sprintf("discovery failed (%s)", actions.Classify(err)), err)
	}
	return conn, defs, nil
}

func (s *ConnectorService) discover(ctx context.Context, src *actions.ConnectorSource, orgID string) ([]actions.ActionDefinition, error) {
	ec, err := s.resolver.WithCredential(ctx, src, actions.ExecutionContext{OrganizationID: orgID})
	if err != nil {
		return nil, err
	}
	return src.ListActions(ctx, ec)
}

func (s *ConnectorService) recordHashes(ctx context.Context, id string, hashes map[string]string) error {
	b, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.Connector{}).Where("id = ?", id).Update("tool_hashes", string(b)).Error
}

func validateConnector(c *models.Connector) error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newError(KindValidation, "url must be an absolute http(s) URL", err)
	}
	if c.Transport == "" {
		c.Transport = "http"
	}
	if c.Transport != "http" {
		return newError(KindValidation, fmt.Sprintf("unsupported transport %q", c.Transport), nil)
	}
	switch c.AuthType {
	case "":
		c.AuthType = models.ConnectorAuthNone
	case models.ConnectorAuthNone, models.ConnectorAuthBearer:
	case models.ConnectorAuthHeader:
		if strings.TrimSpace(c.AuthHeader) == "" {
			return newError(KindValidation, "auth_header is required for header auth", nil)
		}
	default:
		return newError(KindValidation, fmt.Sprintf("unsupported auth_type %q", c.AuthType), nil)
	}
	if c.DefaultRisk == "" {
		c.DefaultRisk = string(actions.RiskWrite)
	}
	if !actions.RiskLevel(c.DefaultRisk).Valid() {
		return newError(KindValidation, fmt.Sprintf("invalid default_risk %q", c.DefaultRisk), nil)
	}
	for tool, r := range c.RiskOverrideMap() {
		if !actions.RiskLevel(r).Valid() {
			return newError(KindValidation, fmt.Sprintf("invalid risk override %q for %s", r, tool), nil)
		}
	}
	return nil
}

func diagnosticMessage(class actions.ErrorClass) string {
	switch class {
	case actions.ClassUnreachable:
		return "The server could not be reached. Check the URL and that the server is running."
	case actions.ClassAuth:
		return "The server rejected the credentials. Check the configured credential."
	case actions.ClassTimeout:
		return "The server did not respond in time."
	case actions.ClassProtocol:
		return "The server responded but did not speak the expected tool protocol."
	default:
		return "Unexpected error while contacting the server."
	}
}
