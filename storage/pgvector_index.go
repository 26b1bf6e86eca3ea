package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"videoQA/core"
)

// ---------------- PgVector implementation ----------------

// PgVectorIndex 把分块向量写入 PostgreSQL + pgvector，按句柄隔离不同视频
type PgVectorIndex struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewPgVectorIndex 连接数据库并确保表结构存在
func NewPgVectorIndex(ctx context.Context, dbURL string, embedder Embedder) (*PgVectorIndex, error) {
	if embedder == nil {
		return nil, errors.New("pgvector index requires an embedder")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgVectorIndex{pool: pool, embedder: embedder}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVectorIndex) ensureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	chunksQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS video_chunks (
			id BIGSERIAL PRIMARY KEY,
			index_id VARCHAR(255) NOT NULL,
			video_id VARCHAR(255) NOT NULL,
			chunk_index INT NOT NULL,
			start_offset INT NOT NULL,
			approx_timestamp INT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(index_id, chunk_index)
		);
	`, s.embedder.Dimension())
	if _, err := s.pool.Exec(ctx, chunksQuery); err != nil {
		return fmt.Errorf("failed to create video_chunks table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_video_chunks_index_id ON video_chunks(index_id);",
		"CREATE INDEX IF NOT EXISTS idx_video_chunks_video_id ON video_chunks(video_id);",
		"CREATE INDEX IF NOT EXISTS idx_video_chunks_embedding ON video_chunks USING hnsw (embedding vector_cosine_ops);",
	}
	for _, q := range indexes {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			log.Printf("Warning: failed to create index: %v", err)
		}
	}
	return nil
}

func (s *PgVectorIndex) Build(ctx context.Context, namespace string, chunks []core.Chunk) (Handle, error) {
	if len(chunks) == 0 {
		return Handle{}, errors.New("no chunks to index")
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return Handle{}, fmt.Errorf("embed chunks: %w", err)
	}

	h := Handle{ID: newHandleID(namespace), Namespace: namespace, Count: len(chunks)}

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(`
			INSERT INTO video_chunks (index_id, video_id, chunk_index, start_offset, approx_timestamp, text, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, h.ID, namespace, c.Index, c.StartOffset, c.ApproxTimestamp, c.Text, pgvector.NewVector(vecs[i]))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Handle{}, fmt.Errorf("insert chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Handle{}, fmt.Errorf("commit: %w", err)
	}
	return h, nil
}

func (s *PgVectorIndex) Query(ctx context.Context, h Handle, question string, k int) ([]core.Hit, error) {
	if k <= 0 {
		k = 8
	}
	vecs, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	// Search using cosine similarity within this index only
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_index, start_offset, approx_timestamp, text,
			   1 - (embedding <=> $1) AS similarity
		FROM video_chunks
		WHERE index_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, pgvector.NewVector(vecs[0]), h.ID, k)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []core.Hit
	for rows.Next() {
		var hit core.Hit
		if err := rows.Scan(&hit.Index, &hit.StartOffset, &hit.ApproxTimestamp, &hit.Text, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hits) == 0 && h.Count > 0 {
		return nil, ErrUnknownHandle
	}
	return hits, nil
}

func (s *PgVectorIndex) Drop(ctx context.Context, h Handle) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM video_chunks WHERE index_id = $1", h.ID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *PgVectorIndex) Close() {
	s.pool.Close()
}
