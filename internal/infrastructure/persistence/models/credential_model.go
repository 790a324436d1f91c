package models

import "time"

// CredentialModel 租户模型凭证
type CredentialModel struct {
	TenantID     string `gorm:"primaryKey;size:64"`
	ProviderKind string `gorm:"size:32;not null"`
	EncryptedKey string `gorm:"type:text;not null"`
	BaseURL      string `gorm:"size:255"`
	Model        string `gorm:"size:128;not null"`
	Temperature  float64
	MaxTokens    int
	SystemPrompt string `gorm:"type:text"`
	Fallbacks    string `gorm:"type:text"` // JSON encoded []FallbackRow
	UpdatedAt    time.Time
}

// FallbackRow 备用模型的持久化形式 (key 已加密)
type FallbackRow struct {
	ProviderKind string `json:"provider_kind"`
	EncryptedKey string `json:"encrypted_key"`
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model"`
}

// TableName 指定表名
func (CredentialModel) TableName() string {
	return "provider_credentials"
}
