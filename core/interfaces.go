package core

import (
	"context"
	"time"
)

// TranscriptSource 字幕平台
type TranscriptSource interface {
	// FetchDirect 获取指定语言的字幕
	FetchDirect(ctx context.Context, videoID VideoID, lang string) (string, error)
	// FetchAny 获取任意可用语言的字幕，并返回其语言代码
	FetchAny(ctx context.Context, videoID VideoID) (text string, lang string, err error)
}

// DurationHint 可选接口：来源能报告视频真实时长时实现
type DurationHint interface {
	Duration(ctx context.Context, videoID VideoID) (time.Duration, bool)
}

// Translator 翻译模型，每次调用的输入长度有上限
type Translator interface {
	Translate(ctx context.Context, text string, maxLen int) (string, error)
}

// AudioTranscriber 下载音频并做语音识别，作为最后的兜底
type AudioTranscriber interface {
	Transcribe(ctx context.Context, videoID VideoID) (string, error)
}

// LanguageModel 给定提示词生成文本
type LanguageModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CacheStore 视频缓存。过期在读取时判断，不做后台清理
type CacheStore interface {
	Put(ctx context.Context, videoID VideoID, result ProcessResult, history ChatHistory) error
	Get(ctx context.Context, videoID VideoID) (*CachedEntry, bool)
	// AppendHistory 在单个视频的临界区内追加一条问答，条目不存在时不创建
	AppendHistory(ctx context.Context, videoID VideoID, turn ChatTurn) (ChatHistory, bool)
	SetHistory(ctx context.Context, videoID VideoID, history ChatHistory) bool
	Clear(ctx context.Context, videoID VideoID) error
	ClearAll(ctx context.Context) error
	Stats() CacheStats
}

// SessionStore 进程内会话表
type SessionStore interface {
	Get(videoID VideoID) (*SessionHandle, bool)
	Put(videoID VideoID, handle *SessionHandle)
	Remove(videoID VideoID) (*SessionHandle, bool)
	// Swap 原子地替换句柄并返回旧句柄
	Swap(videoID VideoID, handle *SessionHandle) (*SessionHandle, bool)
	Len() int
	Drain() []*SessionHandle
}
