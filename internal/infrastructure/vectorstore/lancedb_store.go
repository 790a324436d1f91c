//go:build lancedb

package vectorstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/lancedb/lancedb-go/pkg/contracts"
	"github.com/lancedb/lancedb-go/pkg/lancedb"
	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
)

const tableName = "context_chunks"

func init() {
	RegisterDriver("lancedb", func(cfg config.VectorStoreConfig, dimension int, logger *zap.Logger) (knowledge.VectorStore, error) {
		return NewLanceDBVectorStore(cfg.Path, dimension, logger)
	})
}

// LanceDBVectorStore implements knowledge.VectorStore using LanceDB. Vectors
// are normalised on write and query so L2 distance maps onto cosine.
type LanceDBVectorStore struct {
	conn      contracts.IConnection
	table     contracts.ITable
	schema    *arrow.Schema
	dimension int
	logger    *zap.Logger
}

// NewLanceDBVectorStore opens or creates the chunk table under storePath.
func NewLanceDBVectorStore(storePath string, dimension int, logger *zap.Logger) (*LanceDBVectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("lancedb store needs a fixed embedding dimension")
	}

	absPath, err := expandPath(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	ctx := context.Background()
	conn, err := lancedb.Connect(ctx, absPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LanceDB at %s: %w", absPath, err)
	}

	arrowSchema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "tenant_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "document_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "text", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dimension), arrow.PrimitiveTypes.Float32), Nullable: false},
		{Name: "created_at", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)

	table, err := openOrCreateTable(ctx, conn, arrowSchema, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open/create table: %w", err)
	}

	logger.Info("LanceDB vector store initialized",
		zap.String("path", absPath),
		zap.Int("dimension", dimension),
	)
	return &LanceDBVectorStore{
		conn:      conn,
		table:     table,
		schema:    arrowSchema,
		dimension: dimension,
		logger:    logger,
	}, nil
}

func openOrCreateTable(ctx context.Context, conn contracts.IConnection, arrowSchema *arrow.Schema, logger *zap.Logger) (contracts.ITable, error) {
	table, err := conn.OpenTable(ctx, tableName)
	if err == nil {
		return table, nil
	}
	logger.Info("Creating new LanceDB table", zap.String("table", tableName))
	schema, err := lancedb.NewSchema(arrowSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create LanceDB schema: %w", err)
	}
	return conn.CreateTable(ctx, tableName, schema)
}

// Upsert replaces chunks by id.
func (s *LanceDBVectorStore) Upsert(ctx context.Context, chunks []*entity.ContextChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if err := knowledge.CheckDimension(s.dimension, len(c.Embedding)); err != nil {
			return err
		}
		ids[i] = quote(c.ID)
	}
	if err := s.table.Delete(ctx, "id IN ("+strings.Join(ids, ", ")+")"); err != nil {
		s.logger.Debug("Pre-upsert delete failed", zap.Error(err))
	}

	record, err := s.toRecord(chunks)
	if err != nil {
		return fmt.Errorf("failed to build Arrow record: %w", err)
	}
	defer record.Release()
	if err := s.table.Add(ctx, record, nil); err != nil {
		return fmt.Errorf("LanceDB insert failed: %w", err)
	}
	return nil
}

// Search runs a tenant-filtered vector search.
func (s *LanceDBVectorStore) Search(ctx context.Context, q knowledge.SearchQuery) ([]*entity.ScoredChunk, error) {
	if err := knowledge.CheckDimension(s.dimension, len(q.Vector)); err != nil {
		return nil, err
	}
	rows, err := s.table.VectorSearchWithFilter(ctx, "vector", normalize(q.Vector), q.K, "tenant_id = "+quote(q.TenantID))
	if err != nil {
		return nil, fmt.Errorf("LanceDB vector search failed: %w", err)
	}

	out := make([]*entity.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		c := rowToChunk(row)
		if c == nil || c.TenantID != q.TenantID || c.Score < q.MinScore {
			continue
		}
		out = append(out, c)
	}
	return knowledge.RankTopK(out, q.K), nil
}

// DeleteByDocument removes a document's chunks.
func (s *LanceDBVectorStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) (int, error) {
	filter := "tenant_id = " + quote(tenantID) + " AND document_id = " + quote(documentID)
	existing, err := s.table.SelectWithFilter(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("LanceDB select failed: %w", err)
	}
	if err := s.table.Delete(ctx, filter); err != nil {
		return 0, fmt.Errorf("LanceDB delete failed: %w", err)
	}
	return len(existing), nil
}

// Dimension returns the table's fixed vector size.
func (s *LanceDBVectorStore) Dimension(context.Context) (int, error) {
	return s.dimension, nil
}

// Close releases LanceDB resources.
func (s *LanceDBVectorStore) Close() error {
	if s.table != nil {
		s.table.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func (s *LanceDBVectorStore) toRecord(chunks []*entity.ContextChunk) (arrow.Record, error) {
	pool := arrowmem.NewGoAllocator()
	idB := array.NewStringBuilder(pool)
	tenantB := array.NewStringBuilder(pool)
	docB := array.NewStringBuilder(pool)
	textB := array.NewStringBuilder(pool)
	floatB := array.NewFloat32Builder(pool)
	createdB := array.NewInt64Builder(pool)

	for _, c := range chunks {
		idB.Append(c.ID)
		tenantB.Append(c.TenantID)
		docB.Append(c.SourceDocumentID)
		textB.Append(c.Text)
		floatB.AppendValues(normalize(c.Embedding), nil)
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		createdB.Append(created.Unix())
	}

	floatArr := floatB.NewArray()
	defer floatArr.Release()
	listType := arrow.FixedSizeListOf(int32(s.dimension), arrow.PrimitiveTypes.Float32)
	listData := array.NewData(listType, len(chunks), []*arrowmem.Buffer{nil},
		[]arrow.ArrayData{floatArr.Data()}, 0, 0)
	vectorArr := array.NewFixedSizeListData(listData)
	defer vectorArr.Release()

	cols := []arrow.Array{idB.NewArray(), tenantB.NewArray(), docB.NewArray(), textB.NewArray(), vectorArr, createdB.NewArray()}
	for i, col := range cols {
		if i != 4 {
			defer col.Release()
		}
	}
	return array.NewRecord(s.schema, cols, int64(len(chunks))), nil
}

func rowToChunk(row map[string]interface{}) *entity.ScoredChunk {
	c := &entity.ScoredChunk{}
	var ok bool
	if c.ID, ok = row["id"].(string); !ok {
		return nil
	}
	c.TenantID, _ = row["tenant_id"].(string)
	c.SourceDocumentID, _ = row["document_id"].(string)
	c.Text, _ = row["text"].(string)
	if v, ok := toInt64(row["created_at"]); ok {
		c.CreatedAt = time.Unix(v, 0)
	}
	// LanceDB 返回平方 L2 距离; 单位向量下 cos = 1 - d/2
	if d, ok := toFloat32(row["_distance"]); ok {
		c.Score = 1 - d/2
	}
	return c
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	n := float32(1 / math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f * n
	}
	return out
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func toFloat32(v interface{}) (float32, bool) {
	switch n := v.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	}
	return 0, false
}

func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
