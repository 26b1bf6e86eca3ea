package processors

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"os"
	"strings"
	"time"

	"videoQA/core"
)

// Acquirer 按 直接字幕 -> 其他语言字幕+翻译 -> 语音识别 的顺序获取字幕
type Acquirer struct {
	source      core.TranscriptSource
	translator  core.Translator
	transcriber core.AudioTranscriber
	cfg         *core.ProcessorConfig
	logger      *log.Logger
}

// NewAcquirer translator 与 transcriber 可以为 nil，对应的层级会被跳过
func NewAcquirer(source core.TranscriptSource, translator core.Translator, transcriber core.AudioTranscriber, cfg *core.ProcessorConfig) *Acquirer {
	if cfg == nil {
		cfg = core.DefaultProcessorConfig()
	}
	return &Acquirer{
		source:      source,
		translator:  translator,
		transcriber: transcriber,
		cfg:         cfg,
		logger:      log.New(os.Stdout, "[TRANSCRIPT] ", log.LstdFlags),
	}
}

// Acquire 获取字幕。所有层级都失败或结果过短时返回 core.ErrTranscriptUnavailable
func (a *Acquirer) Acquire(ctx context.Context, videoID core.VideoID) (core.Transcript, error) {
	var strategies []core.Strategy[core.Transcript]
	if a.source != nil {
		strategies = append(strategies,
			core.Strategy[core.Transcript]{Name: "direct captions", Run: a.tier(a.direct(videoID))},
			core.Strategy[core.Transcript]{Name: "translated captions", Run: a.tier(a.translated(videoID))},
		)
	}
	if a.transcriber != nil {
		strategies = append(strategies,
			core.Strategy[core.Transcript]{Name: "audio transcription", Run: a.tier(a.transcribed(videoID))},
		)
	}
	if len(strategies) == 0 {
		return core.Transcript{}, fmt.Errorf("%w: no transcript providers configured", core.ErrTranscriptUnavailable)
	}

	t, name, err := core.Fallback(ctx, strategies...)
	// 无论成功与否都取走时长，来源不会为失败的视频保留记录
	if hint, ok := a.source.(core.DurationHint); ok {
		if d, ok := hint.Duration(ctx, videoID); ok && err == nil {
			t.DurationSec = d.Seconds()
		}
	}
	if err != nil {
		a.logger.Printf("视频 %s 字幕获取失败: %v", videoID, err)
		return core.Transcript{}, fmt.Errorf("%w: %w", core.ErrTranscriptUnavailable, err)
	}
	a.logger.Printf("视频 %s 字幕获取成功: %s, %d 字符", videoID, name, len([]rune(t.Text)))
	return t, nil
}

// tier 给每个层级加上独立超时、文本清洗与最小长度校验
func (a *Acquirer) tier(run func(ctx context.Context) (core.Transcript, error)) func(ctx context.Context) (core.Transcript, error) {
	return func(ctx context.Context) (core.Transcript, error) {
		tctx, cancel := withStageTimeout(ctx, a.cfg.AcquireTimeout)
		defer cancel()

		t, err := run(tctx)
		if err != nil {
			return core.Transcript{}, err
		}
		t.Text = NormalizeText(t.Text)
		if n := len([]rune(t.Text)); n < a.cfg.MinTranscriptLength {
			return core.Transcript{}, fmt.Errorf("transcript too short: %d < %d", n, a.cfg.MinTranscriptLength)
		}
		return t, nil
	}
}

func (a *Acquirer) direct(videoID core.VideoID) func(ctx context.Context) (core.Transcript, error) {
	return func(ctx context.Context) (core.Transcript, error) {
		text, err := a.source.FetchDirect(ctx, videoID, a.cfg.TargetLanguage)
		if err != nil {
			return core.Transcript{}, err
		}
		return core.Transcript{Text: text, Method: core.MethodDirect, Language: a.cfg.TargetLanguage}, nil
	}
}

func (a *Acquirer) translated(videoID core.VideoID) func(ctx context.Context) (core.Transcript, error) {
	return func(ctx context.Context) (core.Transcript, error) {
		text, lang, err := a.source.FetchAny(ctx, videoID)
		if err != nil {
			return core.Transcript{}, err
		}
		if sameLanguage(lang, a.cfg.TargetLanguage) {
			return core.Transcript{Text: text, Method: core.MethodDirect, Language: lang}, nil
		}
		if a.translator == nil {
			return core.Transcript{}, errors.New("no translator configured")
		}

		chunks := SplitRunes(NormalizeText(text), a.cfg.TranslationChunkSize)
		out, failed := core.FallbackEach(ctx, chunks, func(ctx context.Context, in string) (string, error) {
			return a.translator.Translate(ctx, in, a.cfg.TranslationMaxLength)
		})
		if failed > 0 {
			a.logger.Printf("视频 %s 翻译: %d/%d 段失败，保留原文", videoID, failed, len(chunks))
		}
		return core.Transcript{Text: strings.Join(out, " "), Method: core.MethodTranslated, Language: a.cfg.TargetLanguage}, nil
	}
}

func (a *Acquirer) transcribed(videoID core.VideoID) func(ctx context.Context) (core.Transcript, error) {
	return func(ctx context.Context) (core.Transcript, error) {
		text, err := a.transcriber.Transcribe(ctx, videoID)
		if err != nil {
			return core.Transcript{}, err
		}
		return core.Transcript{Text: text, Method: core.MethodTranscribed}, nil
	}
}

func sameLanguage(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.HasPrefix(a, b+"-")
}

// NormalizeText 解码HTML实体并合并空白
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}

// SplitRunes 按字符数（非字节）切分，不会切断多字节字符
func SplitRunes(s string, size int) []string {
	runes := []rune(s)
	if size <= 0 || len(runes) == 0 {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	out := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// withStageTimeout 不超过 d 的子上下文；d<=0 时不加超时
func withStageTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
