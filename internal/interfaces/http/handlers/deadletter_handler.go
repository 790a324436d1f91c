package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"go.uber.org/zap"
)

// DeadLetterInbox 死信列表与重投
type DeadLetterInbox interface {
	DeadLetters(ctx context.Context, tenantID string, includeResolved bool, limit int) ([]*entity.DeadLetter, error)
	Redeliver(ctx context.Context, tenantID, deadLetterID string) error
}

// DeadLetterHandler 死信接口
type DeadLetterHandler struct {
	inbox  DeadLetterInbox
	logger *zap.Logger
}

// NewDeadLetterHandler 创建死信处理器
func NewDeadLetterHandler(inbox DeadLetterInbox, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{inbox: inbox, logger: logger}
}

// List GET /deadletters?all=true&limit=50
func (h *DeadLetterHandler) List(c *gin.Context) {
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		invalid(c, "limit must be a positive integer")
		return
	}

	letters, err := h.inbox.DeadLetters(c.Request.Context(), c.GetString(TenantKey), all, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if letters == nil {
		letters = []*entity.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
}

// Redeliver POST /deadletters/:id/redeliver
func (h *DeadLetterHandler) Redeliver(c *gin.Context) {
	if err := h.inbox.Redeliver(c.Request.Context(), c.GetString(TenantKey), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requeued"})
}
