package processors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videoQA/core"
)

// CommandRunner 执行外部命令，测试时可替换
type CommandRunner func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return fmt.Errorf("%s failed: %w: %s", name, err, tail)
	}
	return nil
}

// WhisperTranscriber 兜底方案：yt-dlp 下载音频，ffmpeg 转成16kHz单声道wav，再调用 Whisper
type WhisperTranscriber struct {
	cli     *openai.Client
	model   string
	ytDlp   string
	ffmpeg  string
	workDir string
	run     CommandRunner
	watch   string
}

// ASROption Whisper 转写选项
type ASROption func(*WhisperTranscriber)

// WithCommandRunner 替换外部命令执行器
func WithCommandRunner(r CommandRunner) ASROption {
	return func(w *WhisperTranscriber) { w.run = r }
}

// WithTools 指定 yt-dlp / ffmpeg 路径
func WithTools(ytDlp, ffmpeg string) ASROption {
	return func(w *WhisperTranscriber) {
		if ytDlp != "" {
			w.ytDlp = ytDlp
		}
		if ffmpeg != "" {
			w.ffmpeg = ffmpeg
		}
	}
}

func NewWhisperTranscriber(cli *openai.Client, model, workDir string, opts ...ASROption) *WhisperTranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	w := &WhisperTranscriber{
		cli:     cli,
		model:   model,
		ytDlp:   "yt-dlp",
		ffmpeg:  "ffmpeg",
		workDir: workDir,
		run:     runCommand,
		watch:   defaultWatchBaseURL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, videoID core.VideoID) (string, error) {
	dir, err := os.MkdirTemp(w.workDir, "videoqa-"+sanitizeFileName(videoID)+"-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rawPath, err := w.downloadAudio(ctx, videoID, dir)
	if err != nil {
		return "", err
	}

	wavPath := filepath.Join(dir, "audio.wav")
	log.Printf("转换音频: %s -> %s", rawPath, wavPath)
	if err := w.run(ctx, w.ffmpeg, "-y", "-i", rawPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", wavPath); err != nil {
		return "", fmt.Errorf("audio conversion: %w", err)
	}
	if err := validateAudioFile(wavPath); err != nil {
		return "", err
	}

	resp, err := w.cli.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: wavPath,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("empty transcription result")
	}
	return text, nil
}

func (w *WhisperTranscriber) downloadAudio(ctx context.Context, videoID core.VideoID, dir string) (string, error) {
	tmpl := filepath.Join(dir, "source.%(ext)s")
	log.Printf("下载音频: %s", videoID)
	if err := w.run(ctx, w.ytDlp, "-f", "bestaudio", "--no-playlist", "-o", tmpl, w.watch+url.QueryEscape(videoID)); err != nil {
		return "", fmt.Errorf("audio download: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "source.*"))
	if err != nil || len(matches) == 0 {
		return "", errors.New("audio download produced no file")
	}
	return matches[0], nil
}

// validateAudioFile 验证音频文件存在且非空
func validateAudioFile(filePath string) error {
	stat, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("audio file missing: %w", err)
	}
	if stat.Size() == 0 {
		return errors.New("audio file is empty")
	}
	return nil
}

func sanitizeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '-' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "video"
	}
	return b.String()
}
