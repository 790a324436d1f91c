package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence/models"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
)

// GormConversationRepository GORM 实现的会话仓储
type GormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建 GORM 会话仓储
func NewGormConversationRepository(db *gorm.DB) repository.ConversationRepository {
	return &GormConversationRepository{db: db}
}

// Resolve 查找或创建会话
func (r *GormConversationRepository) Resolve(ctx context.Context, tenantID string, key entity.ChannelConversationKey) (*entity.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, domainErrors.NewInvalidInputError(err.Error())
	}

	model, err := r.findByKey(ctx, tenantID, key)
	if err == nil {
		return toConversationEntity(model), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domainErrors.NewInternalErrorWithCause("failed to resolve conversation", err)
	}

	now := time.Now().UTC()
	model = &models.ConversationModel{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Platform:       key.Platform,
		PageID:         key.PageID,
		SenderID:       key.SenderID,
		AutoBotEnabled: true,
		Status:         string(entity.ConversationOpen),
		LastMessageAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domainErrors.NewInternalErrorWithCause("failed to create conversation", err)
		}
		// 并发创建, 读取胜出者
		model, err = r.findByKey(ctx, tenantID, key)
		if err != nil {
			return nil, domainErrors.NewInternalErrorWithCause("failed to resolve conversation", err)
		}
	}
	return toConversationEntity(model), nil
}

func (r *GormConversationRepository) findByKey(ctx context.Context, tenantID string, key entity.ChannelConversationKey) (*models.ConversationModel, error) {
	var model models.ConversationModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND platform = ? AND page_id = ? AND sender_id = ?", tenantID, key.Platform, key.PageID, key.SenderID).
		Take(&model).Error
	return &model, err
}

// Get 读取会话
func (r *GormConversationRepository) Get(ctx context.Context, tenantID, conversationID string) (*entity.Conversation, error) {
	var model models.ConversationModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, conversationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("conversation not found")
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to find conversation", err)
	}
	return toConversationEntity(&model), nil
}

// SetHandoff 更新 auto-bot 与指派坐席
func (r *GormConversationRepository) SetHandoff(ctx context.Context, tenantID, conversationID string, autoBot bool, assignedAgentID *string) (*entity.Conversation, error) {
	err := r.update(ctx, tenantID, conversationID, map[string]interface{}{
		"auto_bot_enabled":  autoBot,
		"assigned_agent_id": assignedAgentID,
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, tenantID, conversationID)
}

// Touch 更新 lastMessageAt (只前进, 不回退)
func (r *GormConversationRepository) Touch(ctx context.Context, tenantID, conversationID string, at time.Time, role entity.Role) error {
	at = at.UTC()
	db := r.db.WithContext(ctx).Model(&models.ConversationModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, conversationID)

	res := db.Where("last_message_at < ?", at).Update("last_message_at", at)
	if res.Error != nil {
		return domainErrors.NewInternalErrorWithCause("failed to touch conversation", res.Error)
	}
	if role == entity.RoleAgent {
		err := r.update(ctx, tenantID, conversationID, map[string]interface{}{"last_agent_reply_at": at})
		if err != nil {
			return err
		}
	}
	return nil
}

// FlagAttention 标记需要人工关注
func (r *GormConversationRepository) FlagAttention(ctx context.Context, tenantID, conversationID, reason string) error {
	return r.update(ctx, tenantID, conversationID, map[string]interface{}{
		"needs_attention":  true,
		"attention_reason": reason,
	})
}

// ClearAttention 清除人工关注
func (r *GormConversationRepository) ClearAttention(ctx context.Context, tenantID, conversationID string) error {
	return r.update(ctx, tenantID, conversationID, map[string]interface{}{
		"needs_attention":  false,
		"attention_reason": "",
	})
}

// MarkSeen 记录坐席最后查看时间
func (r *GormConversationRepository) MarkSeen(ctx context.Context, tenantID, conversationID string, at time.Time) error {
	return r.update(ctx, tenantID, conversationID, map[string]interface{}{"agent_last_seen_at": at.UTC()})
}

func (r *GormConversationRepository) update(ctx context.Context, tenantID, conversationID string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.ConversationModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, conversationID).
		Updates(fields)
	if res.Error != nil {
		return domainErrors.NewInternalErrorWithCause("failed to update conversation", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		r.db.WithContext(ctx).Model(&models.ConversationModel{}).
			Where("tenant_id = ? AND id = ?", tenantID, conversationID).Count(&n)
		if n == 0 {
			return domainErrors.NewNotFoundError("conversation not found")
		}
	}
	return nil
}

func toConversationEntity(m *models.ConversationModel) *entity.Conversation {
	return &entity.Conversation{
		ID:       m.ID,
		TenantID: m.TenantID,
		Key: entity.ChannelConversationKey{
			Platform: m.Platform,
			PageID:   m.PageID,
			SenderID: m.SenderID,
		},
		ExternalParticipantID: m.SenderID,
		AutoBotEnabled:        m.AutoBotEnabled,
		AssignedAgentID:       m.AssignedAgentID,
		LastMessageAt:         m.LastMessageAt,
		LastAgentReplyAt:      m.LastAgentReplyAt,
		Status:                entity.ConversationStatus(m.Status),
		NeedsAttention:        m.NeedsAttention,
		AttentionReason:       m.AttentionReason,
		AgentLastSeenAt:       m.AgentLastSeenAt,
		CreatedAt:             m.CreatedAt,
	}
}
