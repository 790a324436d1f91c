package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"go.uber.org/zap"
)

// InboundSubmitter 入站提交
type InboundSubmitter interface {
	Submit(ctx context.Context, evt entity.InboundEvent) (usecase.SubmitResult, error)
}

// WebhookHandler 接收已规范化的平台事件
type WebhookHandler struct {
	inbound InboundSubmitter
	logger  *zap.Logger
}

// NewWebhookHandler 创建 webhook 处理器
func NewWebhookHandler(inbound InboundSubmitter, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{inbound: inbound, logger: logger}
}

// Events POST /webhook/events
func (h *WebhookHandler) Events(c *gin.Context) {
	var evt entity.InboundEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.inbound.Submit(c.Request.Context(), evt)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// 重复事件同样返回 202, 上游不会重试
	c.JSON(http.StatusAccepted, res)
}
