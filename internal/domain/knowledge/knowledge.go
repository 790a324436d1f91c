// Package knowledge holds the tenant knowledge-base ports and an in-process
// cosine similarity store.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// SearchQuery 相似度检索参数. TenantID is mandatory.
type SearchQuery struct {
	TenantID string
	Vector   []float32
	K        int
	MinScore float32
}

// VectorStore 向量存储接口
type VectorStore interface {
	// Upsert 写入或替换分片 (按 ID)
	Upsert(ctx context.Context, chunks []*entity.ContextChunk) error
	// Search 返回同租户内得分 >= MinScore 的前 K 个分片, 得分降序
	Search(ctx context.Context, query SearchQuery) ([]*entity.ScoredChunk, error)
	// DeleteByDocument 删除某文档的全部分片
	DeleteByDocument(ctx context.Context, tenantID, documentID string) (int, error)
	// Dimension 返回已索引向量维度, 空库返回 0
	Dimension(ctx context.Context) (int, error)
}

// Embedder 嵌入向量提供者接口. The same embedder must be used for indexing
// and querying.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// CheckDimension returns entity.ErrCorruptIndex when a query vector cannot be
// compared with what is stored.
func CheckDimension(stored, query int) error {
	if stored != 0 && stored != query {
		return fmt.Errorf("%w: index has %d dims, query has %d", entity.ErrCorruptIndex, stored, query)
	}
	return nil
}

// InMemoryVectorStore 内存向量存储 (测试和单机部署)
type InMemoryVectorStore struct {
	mu        sync.RWMutex
	chunks    map[string]*entity.ContextChunk
	dimension int
}

// NewInMemoryVectorStore 创建内存向量存储
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{chunks: make(map[string]*entity.ContextChunk)}
}

// Upsert 写入分片
func (s *InMemoryVectorStore) Upsert(_ context.Context, chunks []*entity.ContextChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if c.TenantID == "" {
			return entity.ErrInvalidTenantID
		}
		if err := CheckDimension(s.dimension, len(c.Embedding)); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		cp := *c
		cp.Embedding = append([]float32(nil), c.Embedding...)
		s.chunks[c.ID] = &cp
		s.dimension = len(c.Embedding)
	}
	return nil
}

// Search 语义搜索 (余弦相似度)
func (s *InMemoryVectorStore) Search(_ context.Context, q SearchQuery) ([]*entity.ScoredChunk, error) {
	if q.TenantID == "" {
		return nil, entity.ErrInvalidTenantID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := CheckDimension(s.dimension, len(q.Vector)); err != nil {
		return nil, err
	}

	var candidates []*entity.ScoredChunk
	for _, c := range s.chunks {
		if c.TenantID != q.TenantID {
			continue
		}
		score := CosineSimilarity(q.Vector, c.Embedding)
		if score < q.MinScore {
			continue
		}
		candidates = append(candidates, &entity.ScoredChunk{ContextChunk: *c, Score: score})
	}
	return RankTopK(candidates, q.K), nil
}

// DeleteByDocument 删除文档分片
func (s *InMemoryVectorStore) DeleteByDocument(_ context.Context, tenantID, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.chunks {
		if c.TenantID == tenantID && c.SourceDocumentID == documentID {
			delete(s.chunks, id)
			n++
		}
	}
	if len(s.chunks) == 0 {
		s.dimension = 0
	}
	return n, nil
}

// Dimension 返回已索引向量维度
func (s *InMemoryVectorStore) Dimension(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension, nil
}

// RankTopK sorts by score (ties by id for stable output) and keeps k.
func RankTopK(candidates []*entity.ScoredChunk, k int) []*entity.ScoredChunk {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].Score > candidates[j].Score
	})
	if k >= 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// CosineSimilarity 计算余弦相似度; 维度不一致或零向量返回 0
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// HashEmbedder 基于字符哈希的嵌入器, 无外部依赖, 用于测试和离线部署
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder 创建哈希嵌入器
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

// Embed 生成归一化的词袋哈希向量
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if word == "" {
			continue
		}
		var h uint32 = 2166136261
		for i := 0; i < len(word); i++ {
			h ^= uint32(word[i])
			h *= 16777619
		}
		embedding[h%uint32(e.dimension)] += 1
	}

	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range embedding {
			embedding[i] /= n
		}
	}
	return embedding, nil
}

// EmbedBatch 批量嵌入
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimension 返回向量维度
func (e *HashEmbedder) Dimension() int {
	return e.dimension
}
