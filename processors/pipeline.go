package processors

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"videoQA/core"
	"videoQA/storage"
)

// TranscriptAcquirer 获取字幕
type TranscriptAcquirer interface {
	Acquire(ctx context.Context, videoID core.VideoID) (core.Transcript, error)
}

// IndexBuilder 为字幕构建检索索引
type IndexBuilder interface {
	Build(ctx context.Context, videoID core.VideoID, t core.Transcript) (core.Index, error)
}

// AnswerGenerator 根据片段生成回答
type AnswerGenerator interface {
	Generate(ctx context.Context, question string, chunks []core.Chunk) string
}

// PipelineStats 运行指标
type PipelineStats struct {
	Sessions int             `json:"sessions"`
	InFlight int64           `json:"in_flight"`
	Cache    core.CacheStats `json:"cache"`
}

// Pipeline 处理视频与问答的编排器。缓存是唯一可信来源，会话表可随时从缓存重建
type Pipeline struct {
	acquirer  TranscriptAcquirer
	indexer   IndexBuilder
	generator AnswerGenerator
	cache     core.CacheStore
	sessions  core.SessionStore
	cfg       *core.ProcessorConfig
	logger    *log.Logger

	flight     singleflight.Group
	rebuild    singleflight.Group
	processing sync.Map // videoID -> struct{}
	inFlight   atomic.Int64
}

func NewPipeline(acquirer TranscriptAcquirer, indexer IndexBuilder, generator AnswerGenerator,
	cache core.CacheStore, sessions core.SessionStore, cfg *core.ProcessorConfig) *Pipeline {
	if cfg == nil {
		cfg = core.DefaultProcessorConfig()
	}
	if sessions == nil {
		sessions = core.NewSessionTable()
	}
	if cache == nil {
		cache = core.NewVideoCache(cfg.CacheTTL, core.WithMaxEntries(cfg.CacheMaxEntries))
	}
	return &Pipeline{
		acquirer:  acquirer,
		indexer:   indexer,
		generator: generator,
		cache:     cache,
		sessions:  sessions,
		cfg:       cfg,
		logger:    log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}
}

// Process 处理视频。已缓存时直接返回缓存结果；同一视频的并发请求只执行一次
func (p *Pipeline) Process(ctx context.Context, videoID core.VideoID) (core.ProcessResult, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return core.ProcessResult{}, core.ErrInvalidVideoID
	}

	if e, ok := p.cache.Get(ctx, videoID); ok {
		p.logger.Printf("Returning cached results for video %s", videoID)
		return e.Result, nil
	}
	if _, ok := p.sessions.Get(videoID); ok {
		p.logger.Printf("Video %s is already processed", videoID)
		return core.ProcessResult{Status: core.StatusAlreadyProcessed}, nil
	}

	// 调用方断开后处理仍然继续，结果会写入缓存
	detached := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(videoID, func() (interface{}, error) {
		return p.process(detached, videoID)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return core.ProcessResult{}, r.Err
		}
		return r.Val.(core.ProcessResult), nil
	case <-ctx.Done():
		return core.ProcessResult{}, ctx.Err()
	}
}

func (p *Pipeline) process(ctx context.Context, videoID core.VideoID) (res core.ProcessResult, err error) {
	p.processing.Store(videoID, struct{}{})
	p.inFlight.Add(1)
	defer func() {
		p.processing.Delete(videoID)
		p.inFlight.Add(-1)
	}()
	// singleflight 会在新的 goroutine 里重新 panic，必须在这里恢复
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("Panic while processing %s: %v", videoID, r)
			res, err = core.ProcessResult{}, core.ErrProcessingFailed
		}
	}()

	// 等待期间可能已有其他请求完成处理
	if e, ok := p.cache.Get(ctx, videoID); ok {
		return e.Result, nil
	}

	start := time.Now()
	t, err := p.acquirer.Acquire(ctx, videoID)
	if err != nil {
		p.logger.Printf("Transcript acquisition failed for %s: %v", videoID, err)
		if errors.Is(err, core.ErrTranscriptUnavailable) {
			return core.ProcessResult{}, core.ErrTranscriptUnavailable
		}
		return core.ProcessResult{}, core.ErrProcessingFailed
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(t.Text)); n < p.cfg.MinTranscriptLength {
		p.logger.Printf("Transcript for %s too short: %d chars", videoID, n)
		return core.ProcessResult{}, core.ErrTranscriptUnavailable
	}

	ictx, cancel := withStageTimeout(ctx, p.cfg.IndexTimeout)
	idx, err := p.indexer.Build(ictx, videoID, t)
	cancel()
	if err != nil {
		p.logger.Printf("Video processing failed for %s: %v", videoID, err)
		return core.ProcessResult{}, core.ErrProcessingFailed
	}

	result := core.ProcessResult{
		Status:     core.StatusSuccess,
		VideoID:    videoID,
		ChunkCount: idx.Len(),
		Transcript: t.Text,
		Method:     t.Method,
		Duration:   t.DurationSec,
	}
	if err := p.cache.Put(ctx, videoID, result, core.ChatHistory{}); err != nil {
		p.logger.Printf("Cache write failed for %s: %v", videoID, err)
		p.closeIndex(ctx, videoID, idx)
		return core.ProcessResult{}, core.ErrProcessingFailed
	}

	p.replaceSession(ctx, &core.SessionHandle{
		VideoID:    videoID,
		Index:      idx,
		Transcript: t.Text,
		ChunkCount: idx.Len(),
		BuiltAt:    time.Now(),
	})
	p.logger.Printf("Video %s processed: method=%s chunks=%d (%s)", videoID, t.Method, idx.Len(), time.Since(start).Round(time.Millisecond))
	return result, nil
}

// Answer 回答关于已处理视频的问题，并把问答追加到聊天记录
func (p *Pipeline) Answer(ctx context.Context, videoID core.VideoID, question string) (core.AnswerResult, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return core.AnswerResult{}, core.ErrInvalidVideoID
	}
	if strings.TrimSpace(question) == "" {
		return core.AnswerResult{}, core.ErrInvalidQuestion
	}
	question = truncateRunes(question, p.cfg.MaxQuestionLength)

	sess, err := p.session(ctx, videoID)
	if err != nil {
		return core.AnswerResult{}, err
	}

	qctx, cancel := withStageTimeout(ctx, p.cfg.IndexTimeout)
	chunks, err := sess.Index.Query(qctx, question, p.cfg.TopK)
	cancel()
	if err != nil {
		p.logger.Printf("Retrieval failed for %s: %v", videoID, err)
		if errors.Is(err, storage.ErrUnknownHandle) {
			p.dropSession(ctx, videoID)
		}
		return core.AnswerResult{}, core.ErrQueryFailed
	}

	answer := p.generator.Generate(ctx, question, chunks)

	turn := core.ChatTurn{Question: question, Answer: answer}
	history, ok := p.cache.AppendHistory(ctx, videoID, turn)
	if !ok {
		// 缓存条目已过期：仍然返回回答，历史只含本轮；丢弃会话让下次 Process 重新索引
		p.logger.Printf("Cache entry for %s expired, answering without history", videoID)
		p.dropSession(ctx, videoID)
		history = core.ChatHistory{turn}
	}
	return core.AnswerResult{Answer: answer, ChatHistory: history, Status: core.StatusSuccess}, nil
}

// session 返回会话；会话不存在但缓存有效时从缓存重建
func (p *Pipeline) session(ctx context.Context, videoID core.VideoID) (*core.SessionHandle, error) {
	if s, ok := p.sessions.Get(videoID); ok {
		return s, nil
	}
	e, ok := p.cache.Get(ctx, videoID)
	if !ok {
		return nil, core.ErrNotProcessed
	}

	v, err, _ := p.rebuild.Do(videoID, func() (interface{}, error) {
		if s, ok := p.sessions.Get(videoID); ok {
			return s, nil
		}
		bctx, cancel := withStageTimeout(context.WithoutCancel(ctx), p.cfg.IndexTimeout)
		defer cancel()
		idx, err := p.indexer.Build(bctx, videoID, core.Transcript{
			Text:        e.Result.Transcript,
			Method:      e.Result.Method,
			DurationSec: e.Result.Duration,
		})
		if err != nil {
			p.logger.Printf("Session rebuild failed for %s: %v", videoID, err)
			return nil, core.ErrQueryFailed
		}
		s := &core.SessionHandle{
			VideoID:    videoID,
			Index:      idx,
			Transcript: e.Result.Transcript,
			ChunkCount: idx.Len(),
			BuiltAt:    time.Now(),
		}
		p.replaceSession(ctx, s)
		p.logger.Printf("Session recreated from cache for video %s", videoID)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.SessionHandle), nil
}

// ClearSession 删除会话、释放索引并清除缓存。重复调用是安全的
func (p *Pipeline) ClearSession(ctx context.Context, videoID core.VideoID) (string, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return "", core.ErrInvalidVideoID
	}
	p.dropSession(ctx, videoID)
	if err := p.cache.Clear(ctx, videoID); err != nil {
		p.logger.Printf("Cache clear failed for %s: %v", videoID, err)
	}
	return core.StatusSuccess, nil
}

// Status 查询视频的处理状态
func (p *Pipeline) Status(ctx context.Context, videoID core.VideoID) core.VideoState {
	if _, ok := p.processing.Load(videoID); ok {
		return core.StateProcessing
	}
	if _, ok := p.sessions.Get(videoID); ok {
		return core.StateReady
	}
	if _, ok := p.cache.Get(ctx, videoID); ok {
		return core.StateReady
	}
	return core.StateUnprocessed
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Sessions: p.sessions.Len(),
		InFlight: p.inFlight.Load(),
		Cache:    p.cache.Stats(),
	}
}

// Shutdown 释放所有会话的索引
func (p *Pipeline) Shutdown(ctx context.Context) {
	handles := p.sessions.Drain()
	for _, s := range handles {
		p.closeIndex(ctx, s.VideoID, s.Index)
	}
	p.logger.Printf("Released %d sessions", len(handles))
}

func (p *Pipeline) replaceSession(ctx context.Context, s *core.SessionHandle) {
	if old, ok := p.sessions.Swap(s.VideoID, s); ok && old.Index != s.Index {
		p.closeIndex(ctx, old.VideoID, old.Index)
	}
}

func (p *Pipeline) dropSession(ctx context.Context, videoID core.VideoID) {
	if s, ok := p.sessions.Remove(videoID); ok {
		p.closeIndex(ctx, videoID, s.Index)
	}
}

func (p *Pipeline) closeIndex(ctx context.Context, videoID core.VideoID, idx core.Index) {
	if idx == nil {
		return
	}
	if err := idx.Close(context.WithoutCancel(ctx)); err != nil {
		p.logger.Printf("Warning: failed to drop index for %s: %v", videoID, err)
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
