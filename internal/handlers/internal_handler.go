package handlers

import (
	"net/http"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
)

// InternalHandler serves service-to-service callbacks.
type InternalHandler struct {
	runs       *services.AutomationService
	dispatcher services.RunDispatcher
}

func NewInternalHandler(runs *services.AutomationService, dispatcher services.RunDispatcher) *InternalHandler {
	return &InternalHandler{runs: runs, dispatcher: dispatcher}
}

// ProcessTriggerEvent POST /internal/process-trigger-event
// Accepts the notification and hands the run to the local worker pool.
func (h *InternalHandler) ProcessTriggerEvent(c *gin.Context) {
	var req services.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.TriggerEventID == "" && req.RunID == "") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation", Message: "triggerEventId or runId is required"})
		return
	}

	runID := req.RunID
	if runID == "" {
		run, err := h.runs.RunForEvent(c.Request.Context(), req.TriggerEventID)
		if err != nil {
			respondError(c, err)
			return
		}
		runID = run.ID
	}
	if err := h.dispatcher.Dispatch(c.Request.Context(), req.TriggerEventID, runID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "runId": runID})
}

// RegisterInternalRoutes 注册内部回调路由
func RegisterInternalRoutes(r *gin.RouterGroup, h *InternalHandler) {
	r.POST("/process-trigger-event", h.ProcessTriggerEvent)
}
