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

// GormDeliveryRepository GORM 实现的发送记录
type GormDeliveryRepository struct {
	db *gorm.DB
}

// NewGormDeliveryRepository 创建 GORM 发送记录仓储
func NewGormDeliveryRepository(db *gorm.DB) repository.DeliveryRepository {
	return &GormDeliveryRepository{db: db}
}

// MarkSent 记录已发送; 重复记录视为成功
func (r *GormDeliveryRepository) MarkSent(ctx context.Context, receipt *entity.DeliveryReceipt) error {
	err := r.db.WithContext(ctx).Create(&models.DeliveryModel{
		MessageID:         receipt.MessageID,
		TenantID:          receipt.TenantID,
		PlatformMessageID: receipt.PlatformMessageID,
		SentAt:            receipt.SentAt.UTC(),
	}).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return domainErrors.NewInternalErrorWithCause("failed to record delivery", err)
	}
	return nil
}

// WasSent 是否已发送
func (r *GormDeliveryRepository) WasSent(ctx context.Context, tenantID, messageID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.DeliveryModel{}).
		Where("tenant_id = ? AND message_id = ?", tenantID, messageID).Count(&n).Error
	if err != nil {
		return false, domainErrors.NewInternalErrorWithCause("failed to check delivery", err)
	}
	return n > 0, nil
}

// GormDeadLetterRepository GORM 实现的死信仓储
type GormDeadLetterRepository struct {
	db *gorm.DB
}

// NewGormDeadLetterRepository 创建 GORM 死信仓储
func NewGormDeadLetterRepository(db *gorm.DB) repository.DeadLetterRepository {
	return &GormDeadLetterRepository{db: db}
}

// Add 写入死信
func (r *GormDeadLetterRepository) Add(ctx context.Context, letter *entity.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	model := &models.DeadLetterModel{
		ID:                    letter.ID,
		TenantID:              letter.TenantID,
		MessageID:             letter.MessageID,
		ConversationID:        letter.ConversationID,
		DestinationChannelID:  letter.DestinationChannelID,
		ExternalParticipantID: letter.ExternalParticipantID,
		Role:                  string(letter.Role),
		Text:                  letter.Text,
		Attempts:              letter.Attempts,
		LastError:             letter.LastError,
		Payload:               letter.Payload,
		CreatedAt:             letter.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domainErrors.NewAlreadyExistsError("dead letter already exists")
		}
		return domainErrors.NewInternalErrorWithCause("failed to add dead letter", err)
	}
	letter.CreatedAt = model.CreatedAt
	return nil
}

// Get 读取死信
func (r *GormDeadLetterRepository) Get(ctx context.Context, tenantID, id string) (*entity.DeadLetter, error) {
	var model models.DeadLetterModel
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("dead letter not found")
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to read dead letter", err)
	}
	return toDeadLetterEntity(&model), nil
}

// List 列出租户死信 (新的在前)
func (r *GormDeadLetterRepository) List(ctx context.Context, tenantID string, includeResolved bool, limit int) ([]*entity.DeadLetter, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if !includeResolved {
		q = q.Where("resolved_at IS NULL")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.DeadLetterModel
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to list dead letters", err)
	}
	out := make([]*entity.DeadLetter, len(rows))
	for i := range rows {
		out[i] = toDeadLetterEntity(&rows[i])
	}
	return out, nil
}

// Resolve 标记死信已处理
func (r *GormDeadLetterRepository) Resolve(ctx context.Context, tenantID, id string) error {
	res := r.db.WithContext(ctx).Model(&models.DeadLetterModel{}).
		Where("tenant_id = ? AND id = ? AND resolved_at IS NULL", tenantID, id).
		Update("resolved_at", time.Now().UTC())
	if res.Error != nil {
		return domainErrors.NewInternalErrorWithCause("failed to resolve dead letter", res.Error)
	}
	if res.RowsAffected == 0 {
		return domainErrors.NewNotFoundError("unresolved dead letter not found")
	}
	return nil
}

// CountUnresolved 按租户统计未处理死信
func (r *GormDeadLetterRepository) CountUnresolved(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		TenantID string
		N        int64
	}
	err := r.db.WithContext(ctx).Model(&models.DeadLetterModel{}).
		Select("tenant_id, count(*) as n").
		Where("resolved_at IS NULL").
		Group("tenant_id").
		Scan(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to count dead letters", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.TenantID] = row.N
	}
	return out, nil
}

func toDeadLetterEntity(m *models.DeadLetterModel) *entity.DeadLetter {
	return &entity.DeadLetter{
		ID:                    m.ID,
		TenantID:              m.TenantID,
		MessageID:             m.MessageID,
		ConversationID:        m.ConversationID,
		DestinationChannelID:  m.DestinationChannelID,
		ExternalParticipantID: m.ExternalParticipantID,
		Role:                  entity.Role(m.Role),
		Text:                  m.Text,
		Attempts:              m.Attempts,
		LastError:             m.LastError,
		Payload:               m.Payload,
		CreatedAt:             m.CreatedAt,
		ResolvedAt:            m.ResolvedAt,
	}
}
