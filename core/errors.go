package core

import "errors"

var (
	// ErrTranscriptUnavailable 所有获取方式都失败，或字幕过短
	ErrTranscriptUnavailable = errors.New("transcript unavailable or too short")
	// ErrNotProcessed 视频尚未处理，需要先调用 process
	ErrNotProcessed     = errors.New("video not processed")
	ErrProcessingFailed = errors.New("video processing failed")
	ErrQueryFailed      = errors.New("query processing failed")
	ErrInvalidQuestion  = errors.New("question required")
	ErrInvalidVideoID   = errors.New("videoId required")
	ErrEmptyTranscript  = errors.New("empty transcript")
)
