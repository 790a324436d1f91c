package models

import "time"

// ChunkModel 知识库分片, 向量以 little-endian float32 字节存储
type ChunkModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	TenantID         string `gorm:"size:64;not null;index:idx_chunks_tenant_document"`
	SourceDocumentID string `gorm:"size:128;not null;index:idx_chunks_tenant_document"`
	Text             string `gorm:"type:text;not null"`
	Embedding        []byte `gorm:"not null"`
	Dimension        int    `gorm:"not null"`
	CreatedAt        time.Time
}

// TableName 指定表名
func (ChunkModel) TableName() string {
	return "context_chunks"
}
