package handlers

import (
	"net/http"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
)

// RunHandler exposes the run audit trail and operator resolution.
type RunHandler struct {
	runs *services.AutomationService
}

func NewRunHandler(runs *services.AutomationService) *RunHandler {
	return &RunHandler{runs: runs}
}

// ListRuns 获取运行记录列表
func (h *RunHandler) ListRuns(c *gin.Context) {
	var req services.RunListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation", Message: err.Error()})
		return
	}
	if req.OrganizationID == "" {
		req.OrganizationID = orgID(c)
	}
	runs, total, err := h.runs.ListRuns(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 20
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     runs,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pages(total, req.PageSize),
	})
}

// GetRun 获取单个运行记录
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ResolveRun 人工审批 needs_human 的运行
func (h *RunHandler) ResolveRun(c *gin.Context) {
	var req services.Resolution
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation", Message: err.Error()})
		return
	}
	run, err := h.runs.ResolveRun(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelRun 取消运行
func (h *RunHandler) CancelRun(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	run, err := h.runs.CancelRun(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// RegisterRunRoutes 注册路由
func RegisterRunRoutes(r *gin.RouterGroup, h *RunHandler) {
	runs := r.Group("/runs")
	{
		runs.GET("", h.ListRuns)
		runs.GET("/:id", h.GetRun)
		runs.POST("/:id/resolve", h.ResolveRun)
		runs.POST("/:id/cancel", h.CancelRun)
	}
}
