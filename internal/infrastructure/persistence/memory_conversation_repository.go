package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/pkg/errors"
)

// MemoryConversationRepository 内存实现的会话仓储（用于开发/测试）
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entity.Conversation
	byKey         map[string]string
	now           func() time.Time
}

// NewMemoryConversationRepository 创建内存会话仓储
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]*entity.Conversation),
		byKey:         make(map[string]string),
		now:           time.Now,
	}
}

var _ repository.ConversationRepository = (*MemoryConversationRepository)(nil)

// Resolve 查找或创建会话
func (r *MemoryConversationRepository) Resolve(_ context.Context, tenantID string, key entity.ChannelConversationKey) (*entity.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.NewInvalidInputError(err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tenantID + "\x00" + key.String()
	if id, ok := r.byKey[k]; ok {
		return copyConversation(r.conversations[id]), nil
	}
	now := r.now().UTC()
	conv := &entity.Conversation{
		ID:                    uuid.NewString(),
		TenantID:              tenantID,
		Key:                   key,
		ExternalParticipantID: key.SenderID,
		AutoBotEnabled:        true,
		Status:                entity.ConversationOpen,
		LastMessageAt:         now,
		CreatedAt:             now,
	}
	r.conversations[conv.ID] = conv
	r.byKey[k] = conv.ID
	return copyConversation(conv), nil
}

// Put 直接写入会话 (测试辅助)
func (r *MemoryConversationRepository) Put(conv *entity.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := copyConversation(conv)
	r.conversations[conv.ID] = cp
	r.byKey[conv.TenantID+"\x00"+conv.Key.String()] = conv.ID
}

// Get 读取会话
func (r *MemoryConversationRepository) Get(_ context.Context, tenantID, conversationID string) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, errors.NewNotFoundError("conversation not found")
	}
	return copyConversation(conv), nil
}

// SetHandoff 更新 auto-bot 与指派坐席
func (r *MemoryConversationRepository) SetHandoff(ctx context.Context, tenantID, conversationID string, autoBot bool, assignedAgentID *string) (*entity.Conversation, error) {
	err := r.mutate(tenantID, conversationID, func(c *entity.Conversation) {
		c.AutoBotEnabled = autoBot
		c.AssignedAgentID = copyString(assignedAgentID)
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, tenantID, conversationID)
}

// Touch 更新 lastMessageAt
func (r *MemoryConversationRepository) Touch(_ context.Context, tenantID, conversationID string, at time.Time, role entity.Role) error {
	return r.mutate(tenantID, conversationID, func(c *entity.Conversation) {
		if at.After(c.LastMessageAt) {
			c.LastMessageAt = at
		}
		if role == entity.RoleAgent {
			t := at
			c.LastAgentReplyAt = &t
		}
	})
}

// FlagAttention 标记需要人工关注
func (r *MemoryConversationRepository) FlagAttention(_ context.Context, tenantID, conversationID, reason string) error {
	return r.mutate(tenantID, conversationID, func(c *entity.Conversation) {
		c.NeedsAttention = true
		c.AttentionReason = reason
	})
}

// ClearAttention 清除人工关注
func (r *MemoryConversationRepository) ClearAttention(_ context.Context, tenantID, conversationID string) error {
	return r.mutate(tenantID, conversationID, func(c *entity.Conversation) {
		c.NeedsAttention = false
		c.AttentionReason = ""
	})
}

// MarkSeen 记录坐席最后查看时间
func (r *MemoryConversationRepository) MarkSeen(_ context.Context, tenantID, conversationID string, at time.Time) error {
	return r.mutate(tenantID, conversationID, func(c *entity.Conversation) {
		t := at
		c.AgentLastSeenAt = &t
	})
}

func (r *MemoryConversationRepository) mutate(tenantID, conversationID string, fn func(*entity.Conversation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return errors.NewNotFoundError("conversation not found")
	}
	fn(conv)
	return nil
}

func copyConversation(c *entity.Conversation) *entity.Conversation {
	cp := *c
	cp.AssignedAgentID = copyString(c.AssignedAgentID)
	return &cp
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
