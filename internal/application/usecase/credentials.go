package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/credcache"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"github.com/replyhub/replyhub/pkg/secrets"
	"go.uber.org/zap"
)

// CredentialInput is a provider configuration with plaintext keys, as an
// operator or the config file supplies it.
type CredentialInput struct {
	TenantID     string
	ProviderKind string
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Fallbacks    []FallbackInput
}

// FallbackInput is one explicitly configured failover target.
type FallbackInput struct {
	ProviderKind string
	APIKey       string
	BaseURL      string
	Model        string
}

// CredentialService owns tenant provider configuration. Reads go through a
// TTL cache; Upsert invalidates the tenant's entry before returning.
type CredentialService struct {
	repo   repository.CredentialRepository
	cache  *credcache.Cache[*entity.ProviderCredential]
	sealer *secrets.Sealer
	logger *zap.Logger
}

// NewCredentialService creates the service.
func NewCredentialService(repo repository.CredentialRepository, sealer *secrets.Sealer, ttl time.Duration, logger *zap.Logger) *CredentialService {
	return &CredentialService{
		repo:   repo,
		cache:  credcache.New[*entity.ProviderCredential](ttl, 4096),
		sealer: sealer,
		logger: logger.With(zap.String("component", "credentials")),
	}
}

// Get returns the tenant's stored (sealed) credential.
func (s *CredentialService) Get(ctx context.Context, tenantID string) (*entity.ProviderCredential, error) {
	if tenantID == "" {
		return nil, domainErrors.NewInvalidInputError("tenant id is required")
	}
	return s.cache.GetOrLoad(ctx, tenantID, func(ctx context.Context) (*entity.ProviderCredential, error) {
		return s.repo.Get(ctx, tenantID)
	})
}

// Upsert seals the keys, stores the credential and drops the cached copy.
func (s *CredentialService) Upsert(ctx context.Context, in CredentialInput) (*entity.ProviderCredential, error) {
	if err := validateCredential(in); err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(in.TenantID, in.APIKey)
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("seal api key", err)
	}
	cred := &entity.ProviderCredential{
		TenantID:     in.TenantID,
		ProviderKind: in.ProviderKind,
		EncryptedKey: sealed,
		BaseURL:      in.BaseURL,
		Model:        in.Model,
		Temperature:  in.Temperature,
		MaxTokens:    in.MaxTokens,
		SystemPrompt: in.SystemPrompt,
		UpdatedAt:    time.Now().UTC(),
	}
	for _, fb := range in.Fallbacks {
		fbSealed, err := s.sealer.Seal(in.TenantID, fb.APIKey)
		if err != nil {
			return nil, domainErrors.NewInternalErrorWithCause("seal fallback api key", err)
		}
		cred.Fallbacks = append(cred.Fallbacks, entity.FallbackProvider{
			ProviderKind: fb.ProviderKind,
			EncryptedKey: fbSealed,
			BaseURL:      fb.BaseURL,
			Model:        fb.Model,
		})
	}

	err = s.repo.Upsert(ctx, cred)
	// 无论写入是否成功都先失效, 避免部分写入后读到旧值
	s.cache.Invalidate(in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	s.logger.Info("Provider credential updated",
		zap.String("tenant_id", in.TenantID),
		zap.String("provider", in.ProviderKind),
		zap.String("model", in.Model),
		zap.Int("fallbacks", len(cred.Fallbacks)),
	)
	return cred, nil
}

// Invalidate drops the cached credential of tenantID.
func (s *CredentialService) Invalidate(tenantID string) {
	s.cache.Invalidate(tenantID)
}

// GenerationConfig opens the tenant's keys and returns the gateway
// configuration together with the system prompt.
func (s *CredentialService) GenerationConfig(ctx context.Context, tenantID string) (service.GenerationConfig, string, error) {
	cred, err := s.Get(ctx, tenantID)
	if err != nil {
		return service.GenerationConfig{}, "", err
	}
	key, err := s.sealer.Open(tenantID, cred.EncryptedKey)
	if err != nil {
		return service.GenerationConfig{}, "", fmt.Errorf("open api key: %w", err)
	}
	cfg := service.GenerationConfig{
		TenantID: tenantID,
		Primary: service.GenerationTarget{
			ProviderKind: cred.ProviderKind,
			APIKey:       key,
			BaseURL:      cred.BaseURL,
			Model:        cred.Model,
		},
		Temperature: cred.Temperature,
		MaxTokens:   cred.MaxTokens,
	}
	for _, fb := range cred.Fallbacks {
		fbKey, err := s.sealer.Open(tenantID, fb.EncryptedKey)
		if err != nil {
			return service.GenerationConfig{}, "", fmt.Errorf("open fallback api key: %w", err)
		}
		cfg.Fallbacks = append(cfg.Fallbacks, service.GenerationTarget{
			ProviderKind: fb.ProviderKind,
			APIKey:       fbKey,
			BaseURL:      fb.BaseURL,
			Model:        fb.Model,
		})
	}
	return cfg, cred.SystemPrompt, nil
}

// Seed upserts statically configured tenants. Errors are collected so one
// bad entry does not block the rest.
func (s *CredentialService) Seed(ctx context.Context, inputs []CredentialInput) error {
	var failed []string
	for _, in := range inputs {
		if _, err := s.Upsert(ctx, in); err != nil {
			s.logger.Error("Failed to seed tenant credential", zap.String("tenant_id", in.TenantID), zap.Error(err))
			failed = append(failed, in.TenantID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("seed credentials failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

func validateCredential(in CredentialInput) error {
	switch {
	case entity.ValidateTenantID(in.TenantID) != nil:
		return domainErrors.NewInvalidInputError("tenant id is required and may not contain ':'")
	case strings.TrimSpace(in.ProviderKind) == "":
		return domainErrors.NewInvalidInputError("provider kind is required")
	case strings.TrimSpace(in.Model) == "":
		return domainErrors.NewInvalidInputError("model is required")
	case in.APIKey == "":
		return domainErrors.NewInvalidInputError("api key is required")
	case in.Temperature < 0 || in.Temperature > 2:
		return domainErrors.NewInvalidInputError("temperature must be within [0, 2]")
	case in.MaxTokens < 0:
		return domainErrors.NewInvalidInputError("max tokens must not be negative")
	}
	for _, fb := range in.Fallbacks {
		if fb.ProviderKind == "" || fb.Model == "" || fb.APIKey == "" {
			return domainErrors.NewInvalidInputError("fallback needs provider kind, model and api key")
		}
	}
	return nil
}
