package handlers

import (
	"net/http"

	"triggerflow/internal/actions"
	"triggerflow/internal/models"
	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ConnectorHandler tests remote tool servers and manages drift review.
type ConnectorHandler struct {
	connectors *services.ConnectorService
	executor   *actions.Executor
}

func NewConnectorHandler(connectors *services.ConnectorService, executor *actions.Executor) *ConnectorHandler {
	return &ConnectorHandler{connectors: connectors, executor: executor}
}

// ValidateConnectorRequest is an unsaved connector to test.
type ValidateConnectorRequest struct {
	URL           string            `json:"url" binding:"required"`
	Transport     string            `json:"transport"`
	AuthType      string            `json:"auth_type"`
	AuthHeader    string            `json:"auth_header"`
	CredentialRef string            `json:"credential_ref"`
	DefaultRisk   string            `json:"default_risk"`
	RiskOverrides map[string]string `json:"risk_overrides"`
}

// Validate POST /api/connectors/validate
func (h *ConnectorHandler) Validate(c *gin.Context) {
	var req ValidateConnectorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation", Message: err.Error()})
		return
	}
	conn := models.Connector{
		OrganizationID: orgID(c),
		URL:            req.URL,
		Transport:      req.Transport,
		AuthType:       req.AuthType,
		AuthHeader:     req.AuthHeader,
		CredentialRef:  req.CredentialRef,
		DefaultRisk:    req.DefaultRisk,
	}
	if len(req.RiskOverrides) > 0 {
		conn.RiskOverrides = mustJSON(req.RiskOverrides)
	}
	res, err := h.connectors.Validate(c.Request.Context(), conn)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CheckDrift POST /api/connectors/:id/drift
func (h *ConnectorHandler) CheckDrift(c *gin.Context) {
	res, err := h.connectors.CheckDrift(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AcknowledgeDrift POST /api/connectors/:id/drift/acknowledge
func (h *ConnectorHandler) AcknowledgeDrift(c *gin.Context) {
	res, err := h.connectors.AcknowledgeDrift(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListActions POST /api/actions/list returns the organization's action
// catalog with per-source discovery failures.
func (h *ConnectorHandler) ListActions(c *gin.Context) {
	org := orgID(c)
	if org == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation", Message: OrgHeader + " header is required"})
		return
	}
	listing, err := h.executor.Catalog(c.Request.Context(), actions.ExecutionContext{OrganizationID: org})
	if err != nil {
		respondError(c, err)
		return
	}
	if listing.Actions == nil {
		listing.Actions = []actions.SourcedAction{}
	}
	c.JSON(http.StatusOK, listing)
}

// RegisterConnectorRoutes 注册路由
func RegisterConnectorRoutes(r *gin.RouterGroup, h *ConnectorHandler) {
	conn := r.Group("/connectors")
	{
		conn.POST("/validate", h.Validate)
		conn.POST("/:id/drift", h.CheckDrift)
		conn.POST("/:id/drift/acknowledge", h.AcknowledgeDrift)
	}
	r.POST("/actions/list", h.ListActions)
}
