package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoQA/core"
)

// ---------------- Milvus implementation ----------------

// MilvusConfig Milvus 连接参数
type MilvusConfig struct {
	Addr       string
	Username   string
	Password   string
	APIKey     string // For Zilliz Cloud
	Collection string
}

// MilvusIndex 基于 Milvus 的向量索引
type MilvusIndex struct {
	mc       client.Client
	coll     string
	dim      int
	embedder Embedder
}

// NewMilvusIndex 连接 Milvus 并确保集合和索引存在
func NewMilvusIndex(ctx context.Context, cfg MilvusConfig, embedder Embedder) (*MilvusIndex, error) {
	if embedder == nil {
		return nil, errors.New("milvus index requires an embedder")
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:19530"
	}
	if cfg.Collection == "" {
		cfg.Collection = "video_chunks"
	}

	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		APIKey:   cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusIndex{mc: mc, coll: cfg.Collection, dim: embedder.Dimension(), embedder: embedder}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return s, nil
}

func (s *MilvusIndex) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema().WithName(s.coll).WithDescription("video transcript chunks")
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("index_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256))
		schema.WithField(entity.NewField().WithName("chunk_index").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("start_offset").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("approx_timestamp").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusIndex) Build(ctx context.Context, namespace string, chunks []core.Chunk) (Handle, error) {
	if len(chunks) == 0 {
		return Handle{}, errors.New("no chunks to index")
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return Handle{}, fmt.Errorf("embed chunks: %w", err)
	}

	h := Handle{ID: newHandleID(namespace), Namespace: namespace, Count: len(chunks)}

	indexIDs := make([]string, len(chunks))
	chunkIdx := make([]int64, len(chunks))
	offsets := make([]int64, len(chunks))
	stamps := make([]int64, len(chunks))
	for i, c := range chunks {
		indexIDs[i] = h.ID
		chunkIdx[i] = int64(c.Index)
		offsets[i] = int64(c.StartOffset)
		stamps[i] = int64(c.ApproxTimestamp)
	}

	_, err = s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("index_id", indexIDs),
		entity.NewColumnInt64("chunk_index", chunkIdx),
		entity.NewColumnInt64("start_offset", offsets),
		entity.NewColumnInt64("approx_timestamp", stamps),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("insert: %w", err)
	}
	// 刷新后新数据才能被检索到
	if err := s.mc.Flush(ctx, s.coll, false); err != nil {
		return Handle{}, fmt.Errorf("flush: %w", err)
	}
	return h, nil
}

func (s *MilvusIndex) Query(ctx context.Context, h Handle, question string, k int) ([]core.Hit, error) {
	if k <= 0 {
		k = 8
	}
	vecs, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := s.mc.Search(ctx, s.coll, []string{}, indexFilter(h.ID),
		[]string{"chunk_index", "start_offset", "approx_timestamp", "text"},
		[]entity.Vector{entity.FloatVector(vecs[0])}, "vector", entity.COSINE, k, sp)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []core.Hit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var hit core.Hit
			if c, ok := cols["chunk_index"].(*entity.ColumnInt64); ok && i < len(c.Data()) {
				hit.Index = int(c.Data()[i])
			}
			if c, ok := cols["start_offset"].(*entity.ColumnInt64); ok && i < len(c.Data()) {
				hit.StartOffset = int(c.Data()[i])
			}
			if c, ok := cols["approx_timestamp"].(*entity.ColumnInt64); ok && i < len(c.Data()) {
				hit.ApproxTimestamp = int(c.Data()[i])
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok && i < len(c.Data()) {
				hit.Text = c.Data()[i]
			}
			hit.Score = float64(r.Scores[i])
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

func (s *MilvusIndex) Drop(ctx context.Context, h Handle) error {
	if err := s.mc.Delete(ctx, s.coll, "", indexFilter(h.ID)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *MilvusIndex) Close() error {
	return s.mc.Close()
}

func indexFilter(indexID string) string {
	return fmt.Sprintf("index_id == \"%s\"", strings.ReplaceAll(indexID, "\"", "\\\""))
}
