package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence/models"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
)

// GormCredentialRepository GORM 实现的凭证仓储
type GormCredentialRepository struct {
	db *gorm.DB
}

// NewGormCredentialRepository 创建 GORM 凭证仓储
func NewGormCredentialRepository(db *gorm.DB) repository.CredentialRepository {
	return &GormCredentialRepository{db: db}
}

// Get 读取租户凭证
func (r *GormCredentialRepository) Get(ctx context.Context, tenantID string) (*entity.ProviderCredential, error) {
	var model models.CredentialModel
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("provider credential not found")
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to read credential", err)
	}

	cred := &entity.ProviderCredential{
		TenantID:     model.TenantID,
		ProviderKind: model.ProviderKind,
		EncryptedKey: model.EncryptedKey,
		BaseURL:      model.BaseURL,
		Model:        model.Model,
		Temperature:  model.Temperature,
		MaxTokens:    model.MaxTokens,
		SystemPrompt: model.SystemPrompt,
		UpdatedAt:    model.UpdatedAt,
	}
	if model.Fallbacks != "" {
		var rows []models.FallbackRow
		if err := json.Unmarshal([]byte(model.Fallbacks), &rows); err != nil {
			return nil, domainErrors.NewInternalErrorWithCause("corrupt fallback list", err)
		}
		for _, row := range rows {
			cred.Fallbacks = append(cred.Fallbacks, entity.FallbackProvider{
				ProviderKind: row.ProviderKind,
				EncryptedKey: row.EncryptedKey,
				BaseURL:      row.BaseURL,
				Model:        row.Model,
			})
		}
	}
	return cred, nil
}

// Upsert 写入或替换租户凭证
func (r *GormCredentialRepository) Upsert(ctx context.Context, cred *entity.ProviderCredential) error {
	model := &models.CredentialModel{
		TenantID:     cred.TenantID,
		ProviderKind: cred.ProviderKind,
		EncryptedKey: cred.EncryptedKey,
		BaseURL:      cred.BaseURL,
		Model:        cred.Model,
		Temperature:  cred.Temperature,
		MaxTokens:    cred.MaxTokens,
		SystemPrompt: cred.SystemPrompt,
	}
	if len(cred.Fallbacks) > 0 {
		rows := make([]models.FallbackRow, len(cred.Fallbacks))
		for i, f := range cred.Fallbacks {
			rows[i] = models.FallbackRow{
				ProviderKind: f.ProviderKind,
				EncryptedKey: f.EncryptedKey,
				BaseURL:      f.BaseURL,
				Model:        f.Model,
			}
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		model.Fallbacks = string(data)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		UpdateAll: true,
	}).Create(model).Error
	if err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to save credential", err)
	}
	cred.UpdatedAt = model.UpdatedAt
	return nil
}
