package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"go.uber.org/zap"
)

// IndexResult summarizes an indexing run.
type IndexResult struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Replaced   int    `json:"replaced"`
}

// Indexer writes pre-chunked document text into the tenant's knowledge base.
// Embeddings come from the same embedder the retriever queries with.
type Indexer struct {
	embedder knowledge.Embedder
	store    knowledge.VectorStore
	now      func() time.Time
	logger   *zap.Logger
}

// NewIndexer creates an indexer.
func NewIndexer(embedder knowledge.Embedder, store knowledge.VectorStore, logger *zap.Logger) *Indexer {
	return &Indexer{
		embedder: embedder,
		store:    store,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "indexer")),
	}
}

// ChunkID is the stable id of the i-th chunk of a document.
func ChunkID(tenantID, documentID string, i int) string {
	return fmt.Sprintf("%s:%s:%d", tenantID, documentID, i)
}

// IndexDocument replaces every chunk of documentID with texts.
func (x *Indexer) IndexDocument(ctx context.Context, tenantID, documentID string, texts []string) (*IndexResult, error) {
	if entity.ValidateTenantID(tenantID) != nil {
		return nil, domainErrors.NewInvalidInputError(entity.ErrInvalidTenantID.Error())
	}
	if strings.TrimSpace(documentID) == "" {
		return nil, domainErrors.NewInvalidInputError("document id is required")
	}
	cleaned := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, domainErrors.NewInvalidInputError("document has no text chunks")
	}

	vectors, err := x.embedder.EmbedBatch(ctx, cleaned)
	if err != nil {
		return nil, domainErrors.NewUnavailableError("embedding provider", err)
	}
	if len(vectors) != len(cleaned) {
		return nil, domainErrors.NewInternalError(fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(cleaned)))
	}
	stored, err := x.store.Dimension(ctx)
	if err != nil {
		return nil, domainErrors.NewUnavailableError("vector store", err)
	}
	for _, v := range vectors {
		if err := knowledge.CheckDimension(stored, len(v)); err != nil {
			return nil, domainErrors.NewConflictError("embedding dimension does not match the index", err)
		}
	}

	replaced, err := x.store.DeleteByDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, domainErrors.NewUnavailableError("vector store", err)
	}
	now := x.now().UTC()
	chunks := make([]*entity.ContextChunk, len(cleaned))
	for i, text := range cleaned {
		chunks[i] = &entity.ContextChunk{
			ID:               ChunkID(tenantID, documentID, i),
			TenantID:         tenantID,
			SourceDocumentID: documentID,
			Text:             text,
			Embedding:        vectors[i],
			CreatedAt:        now,
		}
	}
	if err := x.store.Upsert(ctx, chunks); err != nil {
		if errors.Is(err, entity.ErrCorruptIndex) {
			return nil, domainErrors.NewConflictError("embedding dimension does not match the index", err)
		}
		return nil, domainErrors.NewUnavailableError("vector store", err)
	}

	x.logger.Info("Document indexed",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced", replaced),
	)
	return &IndexResult{DocumentID: documentID, Chunks: len(chunks), Replaced: replaced}, nil
}

// DeleteDocument removes every chunk of documentID.
func (x *Indexer) DeleteDocument(ctx context.Context, tenantID, documentID string) (int, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(documentID) == "" {
		return 0, domainErrors.NewInvalidInputError("tenant id and document id are required")
	}
	n, err := x.store.DeleteByDocument(ctx, tenantID, documentID)
	if err != nil {
		return 0, domainErrors.NewUnavailableError("vector store", err)
	}
	x.logger.Info("Document removed",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
		zap.Int("chunks", n),
	)
	return n, nil
}
