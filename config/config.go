package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"videoQA/core"
)

// DefaultConfigFile 默认配置文件
const DefaultConfigFile = "config.json"

type Config struct {
	APIKey           string `json:"api_key"`
	BaseURL          string `json:"base_url"`
	ChatModel        string `json:"chat_model"`
	EmbeddingModel   string `json:"embedding_model"`
	TranslationModel string `json:"translation_model"`
	WhisperModel     string `json:"whisper_model"`
	EmbeddingDim     int    `json:"embedding_dim"`

	Store            string `json:"store"` // "memory", "pgvector", "milvus"
	PostgresURL      string `json:"postgres_url"`
	MilvusAddr       string `json:"milvus_addr"`
	MilvusUsername   string `json:"milvus_username"`
	MilvusPassword   string `json:"milvus_password"`
	MilvusAPIKey     string `json:"milvus_api_key"`
	MilvusCollection string `json:"milvus_collection"`
	RedisURL         string `json:"redis_url"`

	Port            string `json:"port"`
	TargetLanguage  string `json:"target_language"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
	CacheMaxEntries int    `json:"cache_max_entries"`
	YtDlpPath       string `json:"yt_dlp_path"`
	FFmpegPath      string `json:"ffmpeg_path"`
	AudioWorkDir    string `json:"audio_work_dir"`
}

// LoadConfig 先读 config.json，再用环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		path = DefaultConfigFile
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		BaseURL:          "https://api.openai.com/v1",
		ChatModel:        "gpt-4o-mini",
		EmbeddingModel:   "text-embedding-3-small",
		TranslationModel: "gpt-4o-mini",
		WhisperModel:     "whisper-1",
		EmbeddingDim:     1536,
		Store:            "memory",
		MilvusAddr:       "localhost:19530",
		MilvusCollection: "video_chunks",
		Port:             "5000",
		TargetLanguage:   "en",
		CacheTTLSeconds:  3600,
		YtDlpPath:        "yt-dlp",
		FFmpegPath:       "ffmpeg",
		AudioWorkDir:     os.TempDir(),
	}
}

func applyEnv(c *Config) {
	c.APIKey = getEnvOrDefault("API_KEY", c.APIKey)
	c.BaseURL = getEnvOrDefault("BASE_URL", c.BaseURL)
	c.ChatModel = getEnvOrDefault("CHAT_MODEL", c.ChatModel)
	c.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL", c.EmbeddingModel)
	c.TranslationModel = getEnvOrDefault("TRANSLATION_MODEL", c.TranslationModel)
	c.WhisperModel = getEnvOrDefault("WHISPER_MODEL", c.WhisperModel)
	c.EmbeddingDim = getEnvInt("EMBEDDING_DIM", c.EmbeddingDim)

	c.Store = strings.ToLower(strings.TrimSpace(getEnvOrDefault("STORE", c.Store)))
	c.PostgresURL = getEnvOrDefault("POSTGRES_URL", getEnvOrDefault("DATABASE_URL", c.PostgresURL))
	c.MilvusAddr = getEnvOrDefault("MILVUS_ADDR", c.MilvusAddr)
	c.MilvusUsername = getEnvOrDefault("MILVUS_USERNAME", c.MilvusUsername)
	c.MilvusPassword = getEnvOrDefault("MILVUS_PASSWORD", c.MilvusPassword)
	c.MilvusAPIKey = getEnvOrDefault("MILVUS_API_KEY", c.MilvusAPIKey)
	c.MilvusCollection = getEnvOrDefault("MILVUS_COLLECTION", c.MilvusCollection)
	c.RedisURL = getEnvOrDefault("REDIS_URL", c.RedisURL)

	c.Port = getEnvOrDefault("PORT", c.Port)
	c.TargetLanguage = getEnvOrDefault("TARGET_LANGUAGE", c.TargetLanguage)
	c.CacheTTLSeconds = getEnvInt("CACHE_TTL", c.CacheTTLSeconds)
	c.CacheMaxEntries = getEnvInt("CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.YtDlpPath = getEnvOrDefault("YT_DLP_PATH", c.YtDlpPath)
	c.FFmpegPath = getEnvOrDefault("FFMPEG_PATH", c.FFmpegPath)
	c.AudioWorkDir = getEnvOrDefault("AUDIO_WORK_DIR", c.AudioWorkDir)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Validate 检查必填项，返回所有问题
func (c *Config) Validate() error {
	var errors []string

	if strings.TrimSpace(c.APIKey) == "" {
		errors = append(errors, "API Key is required")
	}

	if strings.TrimSpace(c.BaseURL) == "" {
		errors = append(errors, "Base URL is required")
	}

	if strings.TrimSpace(c.ChatModel) == "" {
		errors = append(errors, "Chat model is required")
	}

	switch c.Store {
	case "memory":
	case "pgvector":
		if strings.TrimSpace(c.PostgresURL) == "" {
			errors = append(errors, "Postgres URL is required for pgvector store")
		}
	case "milvus":
		if strings.TrimSpace(c.MilvusAddr) == "" {
			errors = append(errors, "Milvus address is required for milvus store")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown store %q", c.Store))
	}

	if c.CacheTTLSeconds <= 0 {
		errors = append(errors, "cache TTL must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// HasValidAPI 是否配置了可用的模型API
func (c *Config) HasValidAPI() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.BaseURL) != ""
}

// ProcessorConfig 生成流水线参数
func (c *Config) ProcessorConfig() *core.ProcessorConfig {
	pc := core.DefaultProcessorConfig()
	pc.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	pc.CacheMaxEntries = c.CacheMaxEntries
	pc.TargetLanguage = c.TargetLanguage
	_ = pc.Validate()
	return pc
}

// PrintConfigInstructions 打印配置说明
func PrintConfigInstructions() {
	fmt.Println("\n=== 配置说明 ===")
	fmt.Println("请在 config.json 文件中填写以下配置（也可以用同名大写环境变量覆盖）：")
	fmt.Println("1. api_key: OpenAI 兼容 API 密钥")
	fmt.Println("2. base_url: API 基础 URL (默认: https://api.openai.com/v1)")
	fmt.Println("3. chat_model / translation_model / whisper_model / embedding_model")
	fmt.Println("4. store: memory / pgvector / milvus (默认: memory)")
	fmt.Println("5. postgres_url, milvus_addr: 对应向量存储的连接地址")
	fmt.Println("6. redis_url: 可选，启用 Redis 缓存层")
	fmt.Println("7. cache_ttl_seconds, cache_max_entries: 缓存有效期与条目上限")
	fmt.Println("\n示例配置：")
	fmt.Println(`{
  "api_key": "sk-...",
  "base_url": "https://api.openai.com/v1",
  "chat_model": "gpt-4o-mini",
  "store": "memory",
  "redis_url": "redis://localhost:6379/0",
  "cache_ttl_seconds": 3600
}`)
	fmt.Println("\n配置完成后重新启动服务。")
	fmt.Println("==================")
}
