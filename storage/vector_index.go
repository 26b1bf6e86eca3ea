package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"videoQA/core"
)

// ErrUnknownHandle 索引已被删除或从未创建
var ErrUnknownHandle = errors.New("unknown index handle")

// Handle 一次索引构建的句柄
type Handle struct {
	ID        string
	Namespace string
	Count     int
}

// VectorIndex 负责向量化与相似度检索，调用方只负责分块
type VectorIndex interface {
	Build(ctx context.Context, namespace string, chunks []core.Chunk) (Handle, error)
	Query(ctx context.Context, h Handle, question string, k int) ([]core.Hit, error)
	Drop(ctx context.Context, h Handle) error
}

func newHandleID(namespace string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return namespace + ":" + hex.EncodeToString(b)
}

// ---------------- Memory implementation ----------------

type memoryDoc struct {
	chunk core.Chunk
	terms map[string]float64
	dense []float32
}

// MemoryIndex 进程内索引。未配置 embedder 时使用词频向量余弦相似度
type MemoryIndex struct {
	mu       sync.RWMutex
	docs     map[string][]memoryDoc // handle ID -> docs
	embedder Embedder
}

func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{docs: make(map[string][]memoryDoc), embedder: embedder}
}

func (s *MemoryIndex) Build(ctx context.Context, namespace string, chunks []core.Chunk) (Handle, error) {
	if len(chunks) == 0 {
		return Handle{}, errors.New("no chunks to index")
	}
	docs := make([]memoryDoc, len(chunks))
	for i, c := range chunks {
		docs[i] = memoryDoc{chunk: c}
	}

	if s.embedder != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return Handle{}, fmt.Errorf("embed chunks: %w", err)
		}
		for i := range docs {
			docs[i].dense = vecs[i]
		}
	} else {
		for i := range docs {
			docs[i].terms = embedText(docs[i].chunk.Text)
		}
	}

	h := Handle{ID: newHandleID(namespace), Namespace: namespace, Count: len(docs)}
	s.mu.Lock()
	s.docs[h.ID] = docs
	s.mu.Unlock()
	return h, nil
}

func (s *MemoryIndex) Query(ctx context.Context, h Handle, question string, k int) ([]core.Hit, error) {
	s.mu.RLock()
	docs, ok := s.docs[h.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownHandle
	}

	var scoreOf func(d memoryDoc) float64
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{question})
		if err != nil {
			return nil, fmt.Errorf("embed question: %w", err)
		}
		qv := vecs[0]
		scoreOf = func(d memoryDoc) float64 { return cosineDense(qv, d.dense) }
	} else {
		qv := embedText(question)
		scoreOf = func(d memoryDoc) float64 { return cosine(qv, d.terms) }
	}

	hits := make([]core.Hit, len(docs))
	for i, d := range docs {
		hits[i] = core.Hit{Chunk: d.chunk, Score: scoreOf(d)}
	}
	// 分数相同时按原顺序，保证结果稳定
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryIndex) Drop(_ context.Context, h Handle) error {
	s.mu.Lock()
	delete(s.docs, h.ID)
	s.mu.Unlock()
	return nil
}

// Len 当前保存的索引数量
func (s *MemoryIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

var nonLetter = regexp.MustCompile(`[^\p{L}\p{N}]+`)

var stops = map[string]struct{}{"the": {}, "and": {}, "a": {}, "an": {}, "of": {}, "to": {}, "in": {}, "is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "that": {}, "this": {}, "it": {}, "as": {}, "at": {}, "be": {}, "by": {}, "from": {}, "what": {}, "was": {}}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	s = nonLetter.ReplaceAllString(s, " ")
	parts := strings.Fields(s)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, ok := stops[p]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

func embedText(text string) map[string]float64 {
	m := map[string]float64{}
	for _, t := range tokenize(text) {
		m[t] += 1
	}
	// L2 normalize
	var sum float64
	for _, v := range m {
		sum += v * v
	}
	if sum == 0 {
		return m
	}
	norm := math.Sqrt(sum)
	for k, v := range m {
		m[k] = v / norm
	}
	return m
}

func cosine(a, b map[string]float64) float64 {
	var dot float64
	for k, va := range a {
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	return dot
}

func cosineDense(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
