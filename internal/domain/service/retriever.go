package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
)

// RetrieverConfig bounds a retrieval.
type RetrieverConfig struct {
	DefaultK int
	MinScore float32
	Timeout  time.Duration
}

// Retriever finds the tenant's knowledge-base passages most similar to a
// customer message.
type Retriever struct {
	embedder knowledge.Embedder
	store    knowledge.VectorStore
	cfg      RetrieverConfig
	logger   *zap.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(embedder knowledge.Embedder, store knowledge.VectorStore, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 4
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve returns at most k chunks of tenantID scoring at least the
// configured minimum, best first. k <= 0 uses the default.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, queryText string, k int) ([]*entity.ScoredChunk, error) {
	if tenantID == "" {
		return nil, entity.ErrInvalidTenantID
	}
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, nil
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	vec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("embed query: %w", err), "embedder", "")
	}
	stored, err := r.store.Dimension(ctx)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("vector store dimension: %w", err), "vectorstore", "")
	}
	if err := knowledge.CheckDimension(stored, len(vec)); err != nil {
		return nil, err
	}

	hits, err := r.store.Search(ctx, knowledge.SearchQuery{
		TenantID: tenantID,
		Vector:   vec,
		K:        k,
		MinScore: r.cfg.MinScore,
	})
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("vector search: %w", err), "vectorstore", "")
	}

	out := hits[:0]
	for _, h := range hits {
		if h.TenantID == tenantID && h.Score >= r.cfg.MinScore {
			out = append(out, h)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// RetrieveBestEffort is Retrieve for the reply path: failures are logged and
// the turn continues without context.
func (r *Retriever) RetrieveBestEffort(ctx context.Context, tenantID, queryText string, k int) []*entity.ScoredChunk {
	chunks, err := r.Retrieve(ctx, tenantID, queryText, k)
	if err != nil {
		r.logger.Warn("Retrieval unavailable, replying without context",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil
	}
	return chunks
}
