package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (e *fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, e.err }

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, e.err
}

func (e *fixedEmbedder) Dimension() int { return len(e.vec) }

func seededStore(t *testing.T) *knowledge.InMemoryVectorStore {
	t.Helper()
	store := knowledge.NewInMemoryVectorStore()
	err := store.Upsert(context.Background(), []*entity.ContextChunk{
		{ID: "a1", TenantID: "t1", SourceDocumentID: "faq", Text: "free shipping", Embedding: []float32{1, 0, 0}},
		{ID: "a2", TenantID: "t1", SourceDocumentID: "faq", Text: "returns", Embedding: []float32{0.6, 0.8, 0}},
		{ID: "a3", TenantID: "t1", SourceDocumentID: "faq", Text: "hours", Embedding: []float32{0, 0, 1}},
		{ID: "b1", TenantID: "t2", SourceDocumentID: "faq", Text: "secret", Embedding: []float32{1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return store
}

func TestRetriever_TenantScopedTopK(t *testing.T) {
	r := NewRetriever(&fixedEmbedder{vec: []float32{1, 0, 0}}, seededStore(t),
		RetrieverConfig{DefaultK: 5, MinScore: 0.5}, zap.NewNop())

	got, err := r.Retrieve(context.Background(), "t1", "shipping?", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "a2" {
		t.Fatalf("unexpected hits: %+v", got)
	}
	for _, h := range got {
		if h.TenantID != "t1" {
			t.Errorf("leaked chunk from %s", h.TenantID)
		}
		if h.Score < 0.5 {
			t.Errorf("chunk %s below min score: %f", h.ID, h.Score)
		}
	}

	top, _ := r.Retrieve(context.Background(), "t1", "shipping?", 1)
	if len(top) != 1 || top[0].ID != "a1" {
		t.Errorf("k=1 should return best hit only: %+v", top)
	}
}

func TestRetriever_EdgeCases(t *testing.T) {
	store := seededStore(t)
	r := NewRetriever(&fixedEmbedder{vec: []float32{1, 0, 0}}, store, RetrieverConfig{MinScore: 0.5}, zap.NewNop())
	ctx := context.Background()

	if _, err := r.Retrieve(ctx, "", "q", 3); !errors.Is(err, entity.ErrInvalidTenantID) {
		t.Errorf("empty tenant: got %v", err)
	}
	if got, err := r.Retrieve(ctx, "t1", "   ", 3); err != nil || got != nil {
		t.Errorf("blank query should return nothing: %v %v", got, err)
	}
	if got, _ := r.Retrieve(ctx, "t3", "q", 3); len(got) != 0 {
		t.Errorf("unknown tenant should have no hits: %+v", got)
	}

	mismatched := NewRetriever(&fixedEmbedder{vec: []float32{1, 0}}, store, RetrieverConfig{}, zap.NewNop())
	if _, err := mismatched.Retrieve(ctx, "t1", "q", 3); !errors.Is(err, entity.ErrCorruptIndex) {
		t.Errorf("dimension mismatch should be ErrCorruptIndex, got %v", err)
	}
}

func TestRetriever_BestEffort(t *testing.T) {
	r := NewRetriever(&fixedEmbedder{err: errors.New("connection refused")}, seededStore(t),
		RetrieverConfig{}, zap.NewNop())

	if _, err := r.Retrieve(context.Background(), "t1", "q", 3); err == nil {
		t.Fatal("expected embed failure")
	}
	if got := r.RetrieveBestEffort(context.Background(), "t1", "q", 3); got != nil {
		t.Errorf("best effort should swallow errors, got %+v", got)
	}
}
