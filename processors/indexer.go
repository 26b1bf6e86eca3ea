package processors

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"videoQA/core"
	"videoQA/storage"
)

// Indexer 把字幕切块并交给向量索引，自身不计算相似度
type Indexer struct {
	store    storage.VectorIndex
	splitter *TextSplitter
	nominal  time.Duration
}

func NewIndexer(store storage.VectorIndex, cfg *core.ProcessorConfig) *Indexer {
	if cfg == nil {
		cfg = core.DefaultProcessorConfig()
	}
	return &Indexer{
		store:    store,
		splitter: NewTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		nominal:  cfg.NominalDuration,
	}
}

// Chunks 切分字幕并计算近似时间戳
func (ix *Indexer) Chunks(t core.Transcript) []core.Chunk {
	total := utf8.RuneCountInString(t.Text)
	if total == 0 {
		return nil
	}
	span := ix.nominal.Seconds()
	if t.DurationSec > 0 {
		span = t.DurationSec
	}

	pieces := ix.splitter.Split(t.Text)
	chunks := make([]core.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = core.Chunk{
			Index:           i,
			StartOffset:     p.StartOffset,
			Text:            p.Text,
			ApproxTimestamp: int(float64(p.StartOffset) / float64(total) * span),
		}
	}
	return chunks
}

// Build 为一个视频构建检索索引
func (ix *Indexer) Build(ctx context.Context, videoID core.VideoID, t core.Transcript) (core.Index, error) {
	if strings.TrimSpace(t.Text) == "" {
		return nil, core.ErrEmptyTranscript
	}
	chunks := ix.Chunks(t)
	if len(chunks) == 0 {
		return nil, core.ErrEmptyTranscript
	}
	h, err := ix.store.Build(ctx, videoID, chunks)
	if err != nil {
		return nil, fmt.Errorf("build index for %s: %w", videoID, err)
	}
	return &videoIndex{store: ix.store, handle: h}, nil
}

// videoIndex 绑定到单个句柄的索引视图
type videoIndex struct {
	store  storage.VectorIndex
	handle storage.Handle
}

func (v *videoIndex) Query(ctx context.Context, question string, k int) ([]core.Chunk, error) {
	hits, err := v.store.Query(ctx, v.handle, question, k)
	if err != nil {
		return nil, err
	}
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]core.Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.Chunk
	}
	return out, nil
}

func (v *videoIndex) Len() int { return v.handle.Count }

func (v *videoIndex) Close(ctx context.Context) error {
	return v.store.Drop(ctx, v.handle)
}
