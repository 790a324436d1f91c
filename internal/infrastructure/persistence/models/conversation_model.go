package models

import "time"

// ConversationModel 数据库会话模型
type ConversationModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	TenantID         string `gorm:"size:64;not null;index;uniqueIndex:idx_conversations_key"`
	Platform         string `gorm:"size:32;not null;uniqueIndex:idx_conversations_key"`
	PageID           string `gorm:"size:128;not null;uniqueIndex:idx_conversations_key"`
	SenderID         string `gorm:"size:128;not null;uniqueIndex:idx_conversations_key"`
	AutoBotEnabled   bool
	AssignedAgentID  *string `gorm:"size:64"`
	Status           string  `gorm:"size:16;not null"`
	LastMessageAt    time.Time
	LastAgentReplyAt *time.Time
	NeedsAttention   bool   `gorm:"index"`
	AttentionReason  string `gorm:"type:text"`
	AgentLastSeenAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName 指定表名
func (ConversationModel) TableName() string {
	return "conversations"
}
