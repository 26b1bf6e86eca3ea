package processors

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"videoQA/core"
)

const (
	defaultWatchBaseURL   = "https://www.youtube.com/watch?v="
	playerResponseMarker  = "ytInitialPlayerResponse = "
	youtubeUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxWatchPageBytes     = 6 * 1024 * 1024
	maxTimedTextBodyBytes = 512 * 1024
)

var errNoCaptions = errors.New("no caption tracks")

type playerResponse struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	VideoDetails *struct {
		LengthSeconds string `json:"lengthSeconds"`
	} `json:"videoDetails"`
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" = auto-generated
}

type timedText struct {
	Lines []struct {
		Text string `xml:",chardata"`
	} `xml:"text"`
}

// YouTubeSource 从观看页面的 ytInitialPlayerResponse 中读取字幕轨道
type YouTubeSource struct {
	client  *http.Client
	watch   string
	retry   core.RetryConfig
	mu      sync.Mutex
	lengths map[core.VideoID]time.Duration
}

// NewYouTubeSource watchBaseURL 为空时使用 YouTube 官方地址
func NewYouTubeSource(client *http.Client, watchBaseURL string) *YouTubeSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if watchBaseURL == "" {
		watchBaseURL = defaultWatchBaseURL
	}
	return &YouTubeSource{
		client:  client,
		watch:   watchBaseURL,
		retry:   core.DefaultRetryConfig,
		lengths: make(map[core.VideoID]time.Duration),
	}
}

func (y *YouTubeSource) FetchDirect(ctx context.Context, videoID core.VideoID, lang string) (string, error) {
	tracks, err := y.tracks(ctx, videoID)
	if err != nil {
		return "", err
	}
	track, ok := pickTrack(tracks, lang)
	if !ok {
		return "", fmt.Errorf("no %s caption track", lang)
	}
	return y.fetchTimedText(ctx, track.BaseURL)
}

func (y *YouTubeSource) FetchAny(ctx context.Context, videoID core.VideoID) (string, string, error) {
	tracks, err := y.tracks(ctx, videoID)
	if err != nil {
		return "", "", err
	}
	// 手动字幕优先于自动生成
	track := tracks[0]
	for _, t := range tracks {
		if t.Kind != "asr" {
			track = t
			break
		}
	}
	text, err := y.fetchTimedText(ctx, track.BaseURL)
	if err != nil {
		return "", "", err
	}
	return text, track.LanguageCode, nil
}

// Duration 返回最近一次读取观看页面时记录的视频时长，读取后即删除
func (y *YouTubeSource) Duration(_ context.Context, videoID core.VideoID) (time.Duration, bool) {
	y.mu.Lock()
	defer y.mu.Unlock()
	d, ok := y.lengths[videoID]
	delete(y.lengths, videoID)
	return d, ok && d > 0
}

func pickTrack(tracks []captionTrack, lang string) (captionTrack, bool) {
	for _, t := range tracks {
		if t.LanguageCode == lang && t.Kind != "asr" {
			return t, true
		}
	}
	for _, t := range tracks {
		if t.LanguageCode == lang {
			return t, true
		}
	}
	// en 也接受 en-US、en-GB 等
	for _, t := range tracks {
		if strings.HasPrefix(t.LanguageCode, lang+"-") {
			return t, true
		}
	}
	return captionTrack{}, false
}

func (y *YouTubeSource) get(ctx context.Context, target string) (*http.Response, error) {
	resp, err := core.RetryHTTP(ctx, y.retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", youtubeUserAgent)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		return y.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

func (y *YouTubeSource) tracks(ctx context.Context, videoID core.VideoID) ([]captionTrack, error) {
	resp, err := y.get(ctx, y.watch+url.QueryEscape(videoID))
	if err != nil {
		return nil, fmt.Errorf("watch page: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxWatchPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parse watch page: %w", err)
	}

	var raw []byte
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		body := s.Text()
		idx := strings.Index(body, playerResponseMarker)
		if idx < 0 {
			return true
		}
		raw = extractJSON([]byte(body[idx+len(playerResponseMarker):]))
		return raw == nil
	})
	if raw == nil {
		return nil, errors.New("ytInitialPlayerResponse not found in watch page")
	}

	var pr playerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("decode ytInitialPlayerResponse: %w", err)
	}
	if pr.VideoDetails != nil {
		if secs, err := strconv.Atoi(pr.VideoDetails.LengthSeconds); err == nil && secs > 0 {
			y.mu.Lock()
			y.lengths[videoID] = time.Duration(secs) * time.Second
			y.mu.Unlock()
		}
	}
	if pr.Captions == nil || len(pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks) == 0 {
		if pr.PlayabilityStatus != nil && pr.PlayabilityStatus.Reason != "" {
			return nil, fmt.Errorf("%w: %s", errNoCaptions, pr.PlayabilityStatus.Reason)
		}
		return nil, errNoCaptions
	}
	return pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks, nil
}

func (y *YouTubeSource) fetchTimedText(ctx context.Context, baseURL string) (string, error) {
	resp, err := y.get(ctx, baseURL)
	if err != nil {
		return "", fmt.Errorf("fetch timedtext: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTimedTextBodyBytes))
	if err != nil {
		return "", err
	}
	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return "", fmt.Errorf("parse timedtext XML: %w", err)
	}

	parts := make([]string, 0, len(tt.Lines))
	for _, line := range tt.Lines {
		if t := strings.TrimSpace(line.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("empty caption track")
	}
	return strings.Join(parts, " "), nil
}

// extractJSON 截取第一个完整的 JSON 对象
func extractJSON(b []byte) []byte {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	depth := 0
	inStr := false
	escaped := false
	for i, c := range b {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1]
			}
		}
	}
	return nil
}
