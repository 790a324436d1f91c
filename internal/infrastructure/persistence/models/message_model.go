package models

import "time"

// MessageModel 数据库消息模型. (tenant_id, platform_message_id) 唯一,
// 非客户消息的 platform_message_id 为 NULL, 不参与唯一约束.
type MessageModel struct {
	ID                  string  `gorm:"primaryKey;size:64"`
	TenantID            string  `gorm:"size:64;not null;uniqueIndex:idx_messages_tenant_platform_id"`
	PlatformMessageID   *string `gorm:"size:191;uniqueIndex:idx_messages_tenant_platform_id"`
	ConversationID      string  `gorm:"size:64;not null;index:idx_messages_conversation_created"`
	Role                string  `gorm:"size:16;not null"`
	Text                string  `gorm:"type:text;not null"`
	ProviderUsed        string  `gorm:"size:32"`
	Model               string  `gorm:"size:128"`
	PromptTokens        int
	CompletionTokens    int
	TotalTokens         int
	RetrievedContextIDs string    `gorm:"type:text"` // JSON encoded list of chunk IDs
	AuthorID            string    `gorm:"size:64"`
	CreatedAt           time.Time `gorm:"index:idx_messages_conversation_created"`
}

// TableName 指定表名
func (MessageModel) TableName() string {
	return "messages"
}
