package entity

import "time"

// ContextChunk is an indexed knowledge-base passage. Chunks are immutable once
// indexed and removed together when their source document goes away.
type ContextChunk struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	SourceDocumentID string    `json:"source_document_id"`
	Text             string    `json:"text"`
	Embedding        []float32 `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// ScoredChunk is a retrieval hit with its cosine similarity to the query.
type ScoredChunk struct {
	ContextChunk
	Score float32 `json:"score"`
}
