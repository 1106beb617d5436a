package handlers

import (
	"errors"
	"io"
	"net/http"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler 接收入站 webhook
type WebhookHandler struct {
	ingest *services.IngestService
	logger *logrus.Logger
}

func NewWebhookHandler(ingest *services.IngestService, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookHandler{ingest: ingest, logger: logger}
}

// readBody returns the raw request bytes; signatures are computed over them.
func (h *WebhookHandler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "validation", Message: "request body too large", Code: http.StatusRequestEntityTooLarge})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation", Message: "failed to read body", Code: http.StatusBadRequest})
		return nil, false
	}
	return body, true
}

// Custom POST /webhooks/custom/:triggerId
func (h *WebhookHandler) Custom(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	res, err := h.ingest.IngestGeneric(c.Request.Context(), c.Param("triggerId"), c.Request.Header, body)
	if err != nil {
		h.logFailure(c, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CustomHealth GET /webhooks/custom/:triggerId
func (h *WebhookHandler) CustomHealth(c *gin.Context) {
	st, err := h.ingest.TriggerStatus(c.Request.Context(), c.Param("triggerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Automation POST /webhooks/automation/:automationId
func (h *WebhookHandler) Automation(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	res, err := h.ingest.IngestAutomationWebhook(c.Request.Context(), c.Param("automationId"), c.Request.Header, body)
	if err != nil {
		h.logFailure(c, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Provider POST /webhooks/:provider/:automationId
func (h *WebhookHandler) Provider(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	res, err := h.ingest.IngestProvider(c.Request.Context(), c.Param("provider"), c.Param("automationId"), c.Request.Header, body)
	if err != nil {
		h.logFailure(c, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WebhookHandler) logFailure(c *gin.Context, err error) {
	entry := h.logger.WithError(err).WithField("path", c.FullPath())
	if services.KindOf(err) == services.KindInternal {
		entry.Error("webhook ingestion failed")
		return
	}
	entry.Info("webhook rejected")
}

// RegisterWebhookRoutes 注册 webhook 路由
func RegisterWebhookRoutes(r gin.IRoutes, h *WebhookHandler) {
	r.POST("/webhooks/custom/:triggerId", h.Custom)
	r.GET("/webhooks/custom/:triggerId", h.CustomHealth)
	r.POST("/webhooks/automation/:automationId", h.Automation)
	r.POST("/webhooks/:provider/:automationId", h.Provider)
}
