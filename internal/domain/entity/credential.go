package entity

import "time"

// ProviderCredential is a tenant's active model provider configuration.
// EncryptedKey is sealed at rest; only the credential service opens it.
// Fallbacks are tried in order after the primary provider has failed; an
// empty list means no cross-provider failover.
type ProviderCredential struct {
	TenantID     string             `json:"tenant_id"`
	ProviderKind string             `json:"provider_kind"`
	EncryptedKey string             `json:"-"`
	BaseURL      string             `json:"base_url,omitempty"`
	Model        string             `json:"model"`
	Temperature  float64            `json:"temperature"`
	MaxTokens    int                `json:"max_tokens"`
	SystemPrompt string             `json:"system_prompt"`
	Fallbacks    []FallbackProvider `json:"fallbacks,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// FallbackProvider is one explicitly configured failover target.
type FallbackProvider struct {
	ProviderKind string `json:"provider_kind"`
	EncryptedKey string `json:"-"`
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model"`
}
