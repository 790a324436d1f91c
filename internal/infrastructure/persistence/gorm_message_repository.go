package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence/models"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
)

// GormMessageRepository GORM 实现的消息仓储
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建 GORM 消息仓储
func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &GormMessageRepository{db: db}
}

// Append 追加消息, 依赖唯一索引保证同一平台消息只落库一次
func (r *GormMessageRepository) Append(ctx context.Context, message *entity.Message) error {
	if err := message.Validate(); err != nil {
		return domainErrors.NewInvalidInputError(err.Error())
	}
	model := toMessageModel(message)

	err := r.db.WithContext(ctx).Create(model).Error
	if err == nil {
		message.CreatedAt = model.CreatedAt
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return domainErrors.NewInternalErrorWithCause("failed to append message", err)
	}

	if message.PlatformMessageID != "" {
		dup, lookupErr := r.ExistsByPlatformID(ctx, message.TenantID, message.PlatformMessageID)
		if lookupErr != nil {
			return lookupErr
		}
		if dup {
			return entity.ErrDuplicateEvent
		}
	}
	return domainErrors.NewAlreadyExistsError("message already exists: " + message.ID)
}

// Recent 返回最近 limit 条消息 (正序)
func (r *GormMessageRepository) Recent(ctx context.Context, tenantID, conversationID string, limit int) ([]*entity.Message, error) {
	var rows []models.MessageModel
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND conversation_id = ?", tenantID, conversationID).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to read messages", err)
	}

	out := make([]*entity.Message, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = toMessageEntity(&rows[i])
	}
	return out, nil
}

// Exists 消息ID是否存在
func (r *GormMessageRepository) Exists(ctx context.Context, tenantID, messageID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, messageID).Count(&n).Error
	if err != nil {
		return false, domainErrors.NewInternalErrorWithCause("failed to check message", err)
	}
	return n > 0, nil
}

// ExistsByPlatformID 平台消息是否已落库
func (r *GormMessageRepository) ExistsByPlatformID(ctx context.Context, tenantID, platformMessageID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("tenant_id = ? AND platform_message_id = ?", tenantID, platformMessageID).Count(&n).Error
	if err != nil {
		return false, domainErrors.NewInternalErrorWithCause("failed to check platform message", err)
	}
	return n > 0, nil
}

// CountCustomerSince 统计 since 之后的客户消息
func (r *GormMessageRepository) CountCustomerSince(ctx context.Context, tenantID, conversationID string, since *time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("tenant_id = ? AND conversation_id = ? AND role = ?", tenantID, conversationID, string(entity.RoleCustomer))
	if since != nil {
		q = q.Where("created_at > ?", since.UTC())
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, domainErrors.NewInternalErrorWithCause("failed to count messages", err)
	}
	return n, nil
}

func toMessageModel(m *entity.Message) *models.MessageModel {
	model := &models.MessageModel{
		ID:             m.ID,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Text:           m.Text,
		ProviderUsed:   m.ProviderUsed,
		Model:          m.Model,
		AuthorID:       m.AuthorID,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.PlatformMessageID != "" {
		id := m.PlatformMessageID
		model.PlatformMessageID = &id
	}
	if m.Usage != nil {
		model.PromptTokens = m.Usage.PromptTokens
		model.CompletionTokens = m.Usage.CompletionTokens
		model.TotalTokens = m.Usage.TotalTokens
	}
	if len(m.RetrievedContextIDs) > 0 {
		data, _ := json.Marshal(m.RetrievedContextIDs)
		model.RetrievedContextIDs = string(data)
	}
	return model
}

func toMessageEntity(model *models.MessageModel) *entity.Message {
	m := &entity.Message{
		ID:             model.ID,
		TenantID:       model.TenantID,
		ConversationID: model.ConversationID,
		Role:           entity.Role(model.Role),
		Text:           model.Text,
		ProviderUsed:   model.ProviderUsed,
		Model:          model.Model,
		AuthorID:       model.AuthorID,
		CreatedAt:      model.CreatedAt,
	}
	if model.PlatformMessageID != nil {
		m.PlatformMessageID = *model.PlatformMessageID
	}
	if model.TotalTokens > 0 || model.PromptTokens > 0 {
		m.Usage = &entity.Usage{
			PromptTokens:     model.PromptTokens,
			CompletionTokens: model.CompletionTokens,
			TotalTokens:      model.TotalTokens,
		}
	}
	if model.RetrievedContextIDs != "" {
		_ = json.Unmarshal([]byte(model.RetrievedContextIDs), &m.RetrievedContextIDs)
	}
	return m
}
