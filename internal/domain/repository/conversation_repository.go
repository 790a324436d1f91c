package repository

import (
	"context"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// ConversationRepository 会话仓储接口. Every call is scoped by tenant id;
// a conversation owned by another tenant is reported as not found.
type ConversationRepository interface {
	// Resolve 根据渠道会话键查找会话, 不存在时创建 (auto-bot 默认开启)
	Resolve(ctx context.Context, tenantID string, key entity.ChannelConversationKey) (*entity.Conversation, error)

	// Get 读取会话的当前状态, 不经过任何缓存
	Get(ctx context.Context, tenantID, conversationID string) (*entity.Conversation, error)

	// SetHandoff 更新 auto-bot 开关与指派坐席
	SetHandoff(ctx context.Context, tenantID, conversationID string, autoBot bool, assignedAgentID *string) (*entity.Conversation, error)

	// Touch 更新 lastMessageAt; role 为 AGENT 时同时更新 lastAgentReplyAt
	Touch(ctx context.Context, tenantID, conversationID string, at time.Time, role entity.Role) error

	// FlagAttention 标记需要人工关注
	FlagAttention(ctx context.Context, tenantID, conversationID, reason string) error

	// ClearAttention 清除人工关注标记
	ClearAttention(ctx context.Context, tenantID, conversationID string) error

	// MarkSeen 记录坐席最后查看时间 (唯一的已读来源)
	MarkSeen(ctx context.Context, tenantID, conversationID string, at time.Time) error
}
