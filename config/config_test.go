package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("STORE", "")
	t.Setenv("PORT", "")
	t.Setenv("CACHE_TTL", "")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.Store != "memory" || cfg.Port != "5000" || cfg.CacheTTLSeconds != 3600 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.HasValidAPI() {
		t.Error("HasValidAPI() should be false without a key")
	}
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"api_key":"sk-file-key-123456","chat_model":"file-model","store":"pgvector","postgres_url":"postgres://u:p@localhost:5432/db","cache_ttl_seconds":120}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_KEY", "")
	t.Setenv("STORE", "")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("CHAT_MODEL", "env-model")
	t.Setenv("CACHE_MAX_ENTRIES", "10")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.ChatModel != "env-model" {
		t.Errorf("env should override file, ChatModel = %s", cfg.ChatModel)
	}
	if cfg.APIKey != "sk-file-key-123456" || cfg.Store != "pgvector" {
		t.Errorf("file values not loaded: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	pc := cfg.ProcessorConfig()
	if pc.CacheTTL != 2*time.Minute || pc.CacheMaxEntries != 10 {
		t.Errorf("ProcessorConfig() = %+v", pc)
	}
}

func TestLoadConfigBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_ = os.WriteFile(path, []byte("{not json"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid memory", func(c *Config) {}, ""},
		{"missing key", func(c *Config) { c.APIKey = "" }, "API Key is required"},
		{"pgvector without url", func(c *Config) { c.Store = "pgvector" }, "Postgres URL"},
		{"milvus without addr", func(c *Config) { c.Store = "milvus"; c.MilvusAddr = "" }, "Milvus address"},
		{"unknown store", func(c *Config) { c.Store = "faiss" }, "unknown store"},
		{"bad ttl", func(c *Config) { c.CacheTTLSeconds = 0 }, "cache TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			c.APIKey = "sk-test-key-123456"
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidatorReport(t *testing.T) {
	c := defaults()
	c.APIKey = "your-api-key-here"
	c.Port = "99999"

	report := NewValidator().ValidateConfig(c)
	if report.Valid {
		t.Fatal("report should be invalid")
	}
	if report.Results["api_key"].Valid {
		t.Error("placeholder API key should be rejected")
	}
	if report.Results["port"].Valid {
		t.Error("out of range port should be rejected")
	}
	if !report.Results["postgres_url"].Valid {
		t.Error("postgres_url is only checked for the pgvector store")
	}

	out := report.GetFormattedReport()
	if strings.Index(out, "api_key") > strings.Index(out, "port") {
		t.Error("formatted report should list fields in sorted order")
	}
}

func TestValidatorStoreSpecificRules(t *testing.T) {
	c := defaults()
	c.APIKey = "sk-test-key-123456"
	c.Store = "pgvector"
	c.PostgresURL = "mysql://localhost/db"

	report := NewValidator().ValidateConfig(c)
	if report.Results["postgres_url"].Valid {
		t.Error("non-postgres scheme should fail for the pgvector store")
	}
}
