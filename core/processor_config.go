package core

import (
	"time"
)

// ProcessorConfig 问答流水线参数
type ProcessorConfig struct {
	ChunkSize            int           `json:"chunk_size"`
	ChunkOverlap         int           `json:"chunk_overlap"`
	TopK                 int           `json:"top_k"`
	MaxQuestionLength    int           `json:"max_question_length"`
	CacheTTL             time.Duration `json:"cache_ttl"`
	CacheMaxEntries      int           `json:"cache_max_entries"`
	MinTranscriptLength  int           `json:"min_transcript_length"`
	TranslationChunkSize int           `json:"translation_chunk_size"`
	TranslationMaxLength int           `json:"translation_max_length"`
	NominalDuration      time.Duration `json:"nominal_duration"`
	TargetLanguage       string        `json:"target_language"`
	AcquireTimeout       time.Duration `json:"acquire_timeout"`
	IndexTimeout         time.Duration `json:"index_timeout"`
	GenerateTimeout      time.Duration `json:"generate_timeout"`
}

// DefaultProcessorConfig 默认配置
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		ChunkSize:            800,
		ChunkOverlap:         150,
		TopK:                 8,
		MaxQuestionLength:    300,
		CacheTTL:             DefaultCacheTTL,
		CacheMaxEntries:      0, // 0 表示不限制
		MinTranscriptLength:  100,
		TranslationChunkSize: 500,
		TranslationMaxLength: 512,
		NominalDuration:      time.Hour,
		TargetLanguage:       "en",
		AcquireTimeout:       5 * time.Minute,
		IndexTimeout:         2 * time.Minute,
		GenerateTimeout:      60 * time.Second,
	}
}

// Validate 把非法值修正为默认值
func (c *ProcessorConfig) Validate() error {
	d := DefaultProcessorConfig()

	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}

	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.MaxQuestionLength <= 0 {
		c.MaxQuestionLength = d.MaxQuestionLength
	}

	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheMaxEntries < 0 {
		c.CacheMaxEntries = 0
	}

	if c.MinTranscriptLength <= 0 {
		c.MinTranscriptLength = d.MinTranscriptLength
	}
	if c.TranslationChunkSize <= 0 {
		c.TranslationChunkSize = d.TranslationChunkSize
	}
	if c.TranslationMaxLength <= 0 {
		c.TranslationMaxLength = d.TranslationMaxLength
	}
	if c.NominalDuration <= 0 {
		c.NominalDuration = d.NominalDuration
	}
	if c.TargetLanguage == "" {
		c.TargetLanguage = d.TargetLanguage
	}

	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = d.IndexTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = d.GenerateTimeout
	}

	return nil
}

// Clone 克隆配置
func (c *ProcessorConfig) Clone() *ProcessorConfig {
	cp := *c
	return &cp
}
