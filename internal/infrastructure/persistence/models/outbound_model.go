package models

import "time"

// DeadLetterModel 死信记录
type DeadLetterModel struct {
	ID                    string `gorm:"primaryKey;size:64"`
	TenantID              string `gorm:"size:64;not null;index:idx_dead_letters_tenant_resolved"`
	MessageID             string `gorm:"size:64;not null;index"`
	ConversationID        string `gorm:"size:64;not null"`
	DestinationChannelID  string `gorm:"size:191;not null"`
	ExternalParticipantID string `gorm:"size:128;not null"`
	Role                  string `gorm:"size:16;not null"`
	Text                  string `gorm:"type:text;not null"`
	Attempts              int
	LastError             string `gorm:"type:text"`
	Payload               []byte
	CreatedAt             time.Time
	ResolvedAt            *time.Time `gorm:"index:idx_dead_letters_tenant_resolved"`
}

// TableName 指定表名
func (DeadLetterModel) TableName() string {
	return "dead_letters"
}

// DeliveryModel 已确认发送的出站消息 (防止重复发送)
type DeliveryModel struct {
	MessageID         string `gorm:"primaryKey;size:64"`
	TenantID          string `gorm:"size:64;not null"`
	PlatformMessageID string `gorm:"size:191"`
	SentAt            time.Time
}

// TableName 指定表名
func (DeliveryModel) TableName() string {
	return "deliveries"
}

// LeaseModel 会话租约
type LeaseModel struct {
	LeaseKey  string    `gorm:"primaryKey;size:191;column:lease_key"`
	Owner     string    `gorm:"size:191;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

// TableName 指定表名
func (LeaseModel) TableName() string {
	return "leases"
}
