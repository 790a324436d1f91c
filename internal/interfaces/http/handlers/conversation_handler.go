package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"go.uber.org/zap"
)

// ConversationReader 会话查询
type ConversationReader interface {
	Snapshot(ctx context.Context, tenantID, conversationID string, limit int) (*usecase.ConversationSnapshot, error)
	MarkSeen(ctx context.Context, tenantID, conversationID string) (time.Time, error)
}

// HandoffCommands 人工接管命令
type HandoffCommands interface {
	AgentReply(ctx context.Context, tenantID, conversationID, agentID, text string) (*usecase.AgentReplyResult, error)
	SetAutoBot(ctx context.Context, tenantID, conversationID string, enabled bool) (*entity.Conversation, error)
}

// ConversationHandler 运营端会话接口
type ConversationHandler struct {
	query   ConversationReader
	handoff HandoffCommands
	logger  *zap.Logger
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(query ConversationReader, handoff HandoffCommands, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{query: query, handoff: handoff, logger: logger}
}

// ReplyRequest 人工回复请求
type ReplyRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Text    string `json:"text" binding:"required"`
}

// AutoBotRequest 开关自动回复
type AutoBotRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// Get GET /conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			invalid(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	snap, err := h.query.Snapshot(c.Request.Context(), c.GetString(TenantKey), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Reply POST /conversations/:id/replies
func (h *ConversationHandler) Reply(c *gin.Context) {
	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.handoff.AgentReply(c.Request.Context(), c.GetString(TenantKey), c.Param("id"), req.AgentID, req.Text)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// 已入发送队列, 投递结果通过 websocket 推送
	c.JSON(http.StatusAccepted, res)
}

// AutoBot PUT /conversations/:id/autobot
func (h *ConversationHandler) AutoBot(c *gin.Context) {
	var req AutoBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	conv, err := h.handoff.SetAutoBot(c.Request.Context(), c.GetString(TenantKey), c.Param("id"), *req.Enabled)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Seen POST /conversations/:id/seen
func (h *ConversationHandler) Seen(c *gin.Context) {
	at, err := h.query.MarkSeen(c.Request.Context(), c.GetString(TenantKey), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_last_seen_at": at})
}
