package repository

import (
	"context"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// CredentialRepository 模型凭证仓储接口
type CredentialRepository interface {
	Get(ctx context.Context, tenantID string) (*entity.ProviderCredential, error)
	Upsert(ctx context.Context, credential *entity.ProviderCredential) error
}
