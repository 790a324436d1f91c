package vectorstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence/models"
)

// GormVectorStore 基于关系库的向量存储. 按租户读取分片后在进程内计算余弦相似度,
// 适合单租户数千分片以内的知识库.
type GormVectorStore struct {
	db *gorm.DB
}

// NewGormVectorStore 创建 GORM 向量存储
func NewGormVectorStore(db *gorm.DB) *GormVectorStore {
	return &GormVectorStore{db: db}
}

var _ knowledge.VectorStore = (*GormVectorStore)(nil)

// Upsert 写入或覆盖分片
func (s *GormVectorStore) Upsert(ctx context.Context, chunks []*entity.ContextChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stored, err := s.Dimension(ctx)
	if err != nil {
		return err
	}
	rows := make([]models.ChunkModel, 0, len(chunks))
	for _, c := range chunks {
		if err := knowledge.CheckDimension(stored, len(c.Embedding)); err != nil {
			return err
		}
		stored = len(c.Embedding)
		rows = append(rows, models.ChunkModel{
			ID:               c.ID,
			TenantID:         c.TenantID,
			SourceDocumentID: c.SourceDocumentID,
			Text:             c.Text,
			Embedding:        encodeVector(c.Embedding),
			Dimension:        len(c.Embedding),
			CreatedAt:        c.CreatedAt,
		})
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "source_document_id", "text", "embedding", "dimension"}),
	}).CreateInBatches(rows, 100).Error
	if err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return nil
}

// Search 租户内 top-k 相似分片
func (s *GormVectorStore) Search(ctx context.Context, q knowledge.SearchQuery) ([]*entity.ScoredChunk, error) {
	var rows []models.ChunkModel
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", q.TenantID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	candidates := make([]*entity.ScoredChunk, 0, len(rows))
	for i := range rows {
		if rows[i].Dimension != len(q.Vector) {
			return nil, knowledge.CheckDimension(rows[i].Dimension, len(q.Vector))
		}
		vec := decodeVector(rows[i].Embedding)
		score := knowledge.CosineSimilarity(q.Vector, vec)
		if score < q.MinScore {
			continue
		}
		candidates = append(candidates, &entity.ScoredChunk{
			ContextChunk: entity.ContextChunk{
				ID:               rows[i].ID,
				TenantID:         rows[i].TenantID,
				SourceDocumentID: rows[i].SourceDocumentID,
				Text:             rows[i].Text,
				CreatedAt:        rows[i].CreatedAt,
			},
			Score: score,
		})
	}
	return knowledge.RankTopK(candidates, q.K), nil
}

// DeleteByDocument 删除文档的全部分片
func (s *GormVectorStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) (int, error) {
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_document_id = ?", tenantID, documentID).
		Delete(&models.ChunkModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete chunks: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Dimension 返回已索引向量维度 (空库为 0)
func (s *GormVectorStore) Dimension(ctx context.Context) (int, error) {
	var row models.ChunkModel
	err := s.db.WithContext(ctx).Select("dimension").Limit(1).Find(&row).Error
	if err != nil {
		return 0, fmt.Errorf("read index dimension: %w", err)
	}
	return row.Dimension, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
