// Package handlers HTTP 处理器
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/replyhub/replyhub/internal/domain/entity"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"go.uber.org/zap"
)

// TenantKey gin 上下文中的租户 id
const TenantKey = "tenant_id"

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor 错误码到 HTTP 状态
func statusFor(err error) int {
	switch domainErrors.CodeOf(err) {
	case domainErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case domainErrors.CodeNotFound:
		return http.StatusNotFound
	case domainErrors.CodeAlreadyExists, domainErrors.CodeConflict:
		return http.StatusConflict
	case domainErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case domainErrors.CodeForbidden:
		return http.StatusForbidden
	case domainErrors.CodeServiceUnavail:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, entity.ErrTenantMismatch) {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// respondError 写错误响应, 5xx 记录日志并隐藏内部细节
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	code := string(domainErrors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("tenant_id", c.GetString(TenantKey)),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			c.JSON(status, ErrorResponse{Error: "internal error", Code: string(domainErrors.CodeInternal)})
			return
		}
	}
	if code == "" {
		code = string(domainErrors.CodeInternal)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(domainErrors.CodeInvalidInput)})
}

func invalid(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(domainErrors.CodeInvalidInput)})
}
