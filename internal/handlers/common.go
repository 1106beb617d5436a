package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// OrgHeader carries the organization on management routes.
const OrgHeader = "X-Organization-ID"

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrRunNotPending), errors.Is(err, services.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrDispatcherClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	switch services.KindOf(err) {
	case services.KindAuth:
		return http.StatusUnauthorized
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindDisabled:
		return http.StatusForbidden
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindDuplicate:
		return http.StatusOK
	case services.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as an ErrorResponse. Internal errors do not leak
// their cause.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	kind := string(services.KindOf(err))
	msg := err.Error()
	var se *services.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	switch {
	case status == http.StatusConflict:
		kind = "conflict"
	case status == http.StatusServiceUnavailable:
		kind = "unavailable"
	case status == http.StatusInternalServerError:
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, ErrorResponse{Error: kind, Message: msg, Code: status})
}

func orgID(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(OrgHeader)); v != "" {
		return v
	}
	return c.Query("organization_id")
}

func pages(total int64, size int) int {
	if size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
