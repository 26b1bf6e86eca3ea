package core

import (
	"context"
	"time"
)

// ========== 基础数据结构 ==========

// VideoID 外部传入的视频标识，获取字幕前不做存在性校验
type VideoID = string

// TranscriptMethod 字幕获取方式
type TranscriptMethod string

const (
	MethodDirect      TranscriptMethod = "direct"
	MethodTranslated  TranscriptMethod = "translated"
	MethodTranscribed TranscriptMethod = "transcribed"
)

// Transcript 清洗后的字幕文本，创建后不再修改
type Transcript struct {
	Text     string           `json:"text"`
	Method   TranscriptMethod `json:"method"`
	Language string           `json:"language,omitempty"`
	// DurationSec 来源报告的视频时长，未知时为0
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Chunk 字幕片段及其位置信息
type Chunk struct {
	Index       int    `json:"index"`
	StartOffset int    `json:"start_offset"`
	Text        string `json:"text"`
	// ApproxTimestamp 由字符偏移线性投影得到的近似秒数，不是真实时间码
	ApproxTimestamp int `json:"approx_timestamp"`
}

// Hit 检索命中
type Hit struct {
	Chunk
	Score float64 `json:"score"`
}

// ChatTurn 一问一答
type ChatTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ChatHistory 按调用顺序追加
type ChatHistory []ChatTurn

// Clone 返回独立副本，避免调用方修改缓存内的切片
func (h ChatHistory) Clone() ChatHistory {
	out := make(ChatHistory, len(h))
	copy(out, h)
	return out
}

// ========== 处理结果 ==========

const (
	StatusSuccess          = "success"
	StatusAlreadyProcessed = "already_processed"
)

// ProcessResult 处理成功后写入缓存的结果
type ProcessResult struct {
	Status     string           `json:"status"`
	VideoID    VideoID          `json:"videoId,omitempty"`
	ChunkCount int              `json:"chunks,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	Method     TranscriptMethod `json:"method,omitempty"`
	// Duration 来源报告的时长（秒），重建会话时用于还原时间戳
	Duration float64 `json:"duration_sec,omitempty"`
}

// AnswerResult 问答结果
type AnswerResult struct {
	Answer      string      `json:"answer"`
	ChatHistory ChatHistory `json:"chatHistory"`
	Status      string      `json:"status"`
}

// CachedEntry 缓存条目，字幕与聊天记录的唯一可信来源
type CachedEntry struct {
	VideoID     VideoID       `json:"video_id"`
	Result      ProcessResult `json:"result"`
	ChatHistory ChatHistory   `json:"chat_history"`
	InsertedAt  time.Time     `json:"inserted_at"`
}

// Expired 判断条目是否超过TTL
func (e *CachedEntry) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.InsertedAt) > ttl
}

// Index 已构建的检索索引
type Index interface {
	Query(ctx context.Context, question string, k int) ([]Chunk, error)
	Len() int
	Close(ctx context.Context) error
}

// SessionHandle 进程内的检索句柄，可随时从缓存重建
type SessionHandle struct {
	VideoID    VideoID
	Index      Index
	Transcript string
	ChunkCount int
	BuiltAt    time.Time
}

// VideoState 单个视频的处理状态
type VideoState string

const (
	StateUnprocessed VideoState = "unprocessed"
	StateProcessing  VideoState = "processing"
	StateReady       VideoState = "ready"
)

// CacheStats 缓存指标快照
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}
