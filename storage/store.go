package storage

import (
	"context"
	"log"
	"time"

	"videoQA/config"
	"videoQA/core"
)

// NewEmbedder 根据模型名选择 embedding 实现
func NewEmbedder(cfg *config.Config) Embedder {
	if IsVolcengineModel(cfg.EmbeddingModel) {
		return NewVolcengineEmbedder(cfg.APIKey, cfg.BaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}
	return NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
}

func newMemoryIndex(cfg *config.Config) *MemoryIndex {
	if cfg.HasValidAPI() && cfg.EmbeddingModel != "" {
		return NewMemoryIndex(NewEmbedder(cfg))
	}
	return NewMemoryIndex(nil)
}

// NewVectorIndex 按 store 配置创建向量索引。外部存储不可用时降级为内存索引。
// 返回的 closer 用于关闭连接，永远不为 nil。
func NewVectorIndex(ctx context.Context, cfg *config.Config) (VectorIndex, func()) {
	noop := func() {}
	switch cfg.Store {
	case "milvus":
		if !cfg.HasValidAPI() {
			config.PrintConfigInstructions()
			log.Println("Warning: API configuration required for Milvus store, falling back to memory store")
			return newMemoryIndex(cfg), noop
		}
		s, err := NewMilvusIndex(ctx, MilvusConfig{
			Addr:       cfg.MilvusAddr,
			Username:   cfg.MilvusUsername,
			Password:   cfg.MilvusPassword,
			APIKey:     cfg.MilvusAPIKey,
			Collection: cfg.MilvusCollection,
		}, NewEmbedder(cfg))
		if err != nil {
			log.Printf("Warning: Failed to initialize Milvus store (%v), falling back to memory store", err)
			return newMemoryIndex(cfg), noop
		}
		log.Printf("Vector store: milvus (%s/%s)", cfg.MilvusAddr, cfg.MilvusCollection)
		return s, func() { _ = s.Close() }
	case "pgvector":
		if !cfg.HasValidAPI() {
			config.PrintConfigInstructions()
			log.Println("Warning: API configuration required for PgVector store, falling back to memory store")
			return newMemoryIndex(cfg), noop
		}
		s, err := NewPgVectorIndex(ctx, cfg.PostgresURL, NewEmbedder(cfg))
		if err != nil {
			log.Printf("Warning: Failed to initialize PgVector store (%v), falling back to memory store", err)
			return newMemoryIndex(cfg), noop
		}
		log.Println("Vector store: pgvector")
		return s, s.Close
	}
	log.Println("Vector store: memory")
	return newMemoryIndex(cfg), noop
}

// NewCacheStore 配置了 REDIS_URL 时使用 Redis 缓存，否则使用内存缓存
func NewCacheStore(ctx context.Context, cfg *config.Config) (core.CacheStore, func()) {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if cfg.RedisURL != "" {
		rc, err := NewRedisCache(ctx, cfg.RedisURL, ttl)
		if err == nil {
			return rc, func() { _ = rc.Close() }
		}
		log.Printf("Warning: Failed to initialize Redis cache (%v), falling back to memory cache", err)
	}
	return core.NewVideoCache(ttl, core.WithMaxEntries(cfg.CacheMaxEntries)), func() {}
}
