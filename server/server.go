package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"videoQA/core"
	"videoQA/processors"
)

// QAService HTTP 层依赖的编排器接口
type QAService interface {
	Process(ctx context.Context, videoID core.VideoID) (core.ProcessResult, error)
	Answer(ctx context.Context, videoID core.VideoID, question string) (core.AnswerResult, error)
	ClearSession(ctx context.Context, videoID core.VideoID) (string, error)
	Status(ctx context.Context, videoID core.VideoID) core.VideoState
	Stats() processors.PipelineStats
}

// Limits 每个客户端IP每分钟允许的请求数
type Limits struct {
	Default int
	Process int
	Query   int
}

// DefaultLimits 默认限流
var DefaultLimits = Limits{Default: 30, Process: 5, Query: 3}

// Server 浏览器扩展调用的 HTTP 接口
type Server struct {
	svc      QAService
	mux      *http.ServeMux
	limiters map[string]*ipLimiter
	logger   *log.Logger
	started  time.Time
}

type videoRequest struct {
	VideoID  string `json:"videoId"`
	Question string `json:"question,omitempty"`
}

func New(svc QAService, limits Limits) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
		limiters: map[string]*ipLimiter{
			"default": newIPLimiter(limits.Default),
			"process": newIPLimiter(limits.Process),
			"query":   newIPLimiter(limits.Query),
		},
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/health", s.limit("default", s.handleHealth))
	s.mux.Handle("POST /api/process", s.limit("process", s.handleProcess))
	s.mux.Handle("POST /api/query", s.limit("query", s.handleQuery))
	s.mux.Handle("POST /api/clear_session", s.limit("default", s.handleClearSession))
	s.mux.Handle("GET /api/status", s.limit("default", s.handleStatus))
	s.mux.Handle("GET /api/stats", s.limit("default", s.handleStats))
}

// Handler 带 CORS 与 panic 恢复的根处理器
func (s *Server) Handler() http.Handler {
	return withCORS(s.recoverer(s.mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.VideoID) == "" {
		writeError(w, http.StatusBadRequest, "videoId required")
		return
	}

	result, err := s.svc.Process(r.Context(), req.VideoID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		strings.TrimSpace(req.VideoID) == "" || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "videoId and question required")
		return
	}

	result, err := s.svc.Answer(r.Context(), req.VideoID, req.Question)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if strings.TrimSpace(req.VideoID) != "" {
		if _, err := s.svc.ClearSession(r.Context(), req.VideoID); err != nil {
			s.writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": core.StatusSuccess})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	videoID := strings.TrimSpace(r.URL.Query().Get("videoId"))
	if videoID == "" {
		writeError(w, http.StatusBadRequest, "videoId required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"videoId": videoID,
		"state":   string(s.svc.Status(r.Context(), videoID)),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline": s.svc.Stats(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

// writeServiceError 把编排器的错误映射为状态码，不回显内部信息
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrTranscriptUnavailable):
		return http.StatusBadRequest, "Transcript unavailable or too short"
	case errors.Is(err, core.ErrInvalidVideoID):
		return http.StatusBadRequest, "videoId required"
	case errors.Is(err, core.ErrInvalidQuestion):
		return http.StatusBadRequest, "videoId and question required"
	case errors.Is(err, core.ErrNotProcessed):
		return http.StatusNotFound, "Video not processed"
	case errors.Is(err, core.ErrQueryFailed):
		return http.StatusInternalServerError, "Query processing failed"
	case errors.Is(err, core.ErrProcessingFailed):
		return http.StatusInternalServerError, "Video processing failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("Panic recovered in %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false) // 不转义HTML字符，保持中文字符原样
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}
