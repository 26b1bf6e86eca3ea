package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValidatorFunc 验证器函数类型
type ValidatorFunc func(value interface{}) *ValidationResult

// ValidationRule 验证规则
type ValidationRule struct {
	Name        string
	Description string
	Validator   ValidatorFunc
	Required    bool
	// OnlyForStore 非空时只在对应向量存储下校验
	OnlyForStore string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationSummary 验证摘要
type ValidationSummary struct {
	TotalFields   int `json:"total_fields"`
	ValidFields   int `json:"valid_fields"`
	InvalidFields int `json:"invalid_fields"`
	TotalErrors   int `json:"total_errors"`
	TotalWarnings int `json:"total_warnings"`
}

// ValidationReport 验证报告
type ValidationReport struct {
	Valid     bool                         `json:"valid"`
	Results   map[string]*ValidationResult `json:"results"`
	Summary   ValidationSummary            `json:"summary"`
	Timestamp time.Time                    `json:"timestamp"`
}

// Validator 基于规则的配置验证器
type Validator struct {
	rules  map[string][]ValidationRule
	logger *log.Logger
}

var modelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/-]*[a-zA-Z0-9]$`)

func NewValidator() *Validator {
	v := &Validator{
		rules:  make(map[string][]ValidationRule),
		logger: log.New(os.Stdout, "[CONFIG-VALIDATOR] ", log.LstdFlags),
	}
	v.defineValidationRules()
	return v
}

func validateAPIKey(value interface{}) *ValidationResult {
	str := strings.TrimSpace(fmt.Sprint(value))
	if str == "" {
		return &ValidationResult{Errors: []string{"API密钥不能为空"}}
	}
	if len(str) < 10 {
		return &ValidationResult{
			Errors:   []string{"API密钥长度不能少于10个字符"},
			Warnings: []string{"API密钥可能无效"},
		}
	}
	lower := strings.ToLower(str)
	for _, placeholder := range []string{"your-api-key", "placeholder", "sk-..."} {
		if strings.Contains(lower, placeholder) {
			return &ValidationResult{Errors: []string{"API密钥不能包含占位符文本"}}
		}
	}
	return &ValidationResult{Valid: true}
}

func validateURL(schemes ...string) ValidatorFunc {
	return func(value interface{}) *ValidationResult {
		str := strings.TrimSpace(fmt.Sprint(value))
		if str == "" {
			return &ValidationResult{Errors: []string{"URL不能为空"}}
		}
		u, err := url.Parse(str)
		if err != nil {
			return &ValidationResult{Errors: []string{fmt.Sprintf("URL格式无效: %v", err)}}
		}
		for _, s := range schemes {
			if u.Scheme == s {
				if u.Host == "" {
					return &ValidationResult{Errors: []string{"URL必须包含主机地址"}}
				}
				return &ValidationResult{Valid: true}
			}
		}
		return &ValidationResult{Errors: []string{fmt.Sprintf("URL协议必须是 %s 之一", strings.Join(schemes, ", "))}}
	}
}

func validateModelName(value interface{}) *ValidationResult {
	str := strings.TrimSpace(fmt.Sprint(value))
	if str == "" {
		return &ValidationResult{Errors: []string{"模型名称不能为空"}}
	}
	if !modelPattern.MatchString(str) {
		return &ValidationResult{Errors: []string{"模型名称格式无效"}}
	}
	return &ValidationResult{Valid: true}
}

func validatePort(value interface{}) *ValidationResult {
	port, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(value)))
	if err != nil {
		return &ValidationResult{Errors: []string{fmt.Sprintf("端口号格式无效: %v", err)}}
	}
	if port < 1 || port > 65535 {
		return &ValidationResult{Errors: []string{fmt.Sprintf("端口号必须在1-65535范围内，当前值: %d", port)}}
	}
	if port < 1024 {
		return &ValidationResult{Valid: true, Warnings: []string{"使用系统保留端口，可能需要管理员权限"}}
	}
	return &ValidationResult{Valid: true}
}

func validatePositive(value interface{}) *ValidationResult {
	n, ok := value.(int)
	if !ok || n <= 0 {
		return &ValidationResult{Errors: []string{"必须是正整数"}}
	}
	return &ValidationResult{Valid: true}
}

func validateNonNegative(value interface{}) *ValidationResult {
	n, ok := value.(int)
	if !ok || n < 0 {
		return &ValidationResult{Errors: []string{"不能为负数"}}
	}
	if n == 0 {
		return &ValidationResult{Valid: true, Warnings: []string{"缓存条目数不受限制"}}
	}
	return &ValidationResult{Valid: true}
}

// defineValidationRules 定义验证规则
func (v *Validator) defineValidationRules() {
	v.rules["api_key"] = []ValidationRule{{Name: "required", Validator: validateAPIKey, Required: true}}
	v.rules["base_url"] = []ValidationRule{{Name: "url_format", Validator: validateURL("http", "https"), Required: true}}
	v.rules["chat_model"] = []ValidationRule{{Name: "model_name_format", Validator: validateModelName, Required: true}}
	v.rules["translation_model"] = []ValidationRule{{Name: "model_name_format", Validator: validateModelName}}
	v.rules["whisper_model"] = []ValidationRule{{Name: "model_name_format", Validator: validateModelName}}
	v.rules["embedding_model"] = []ValidationRule{
		{Name: "model_name_format", Validator: validateModelName, OnlyForStore: "pgvector"},
		{Name: "model_name_format", Validator: validateModelName, OnlyForStore: "milvus"},
	}
	v.rules["postgres_url"] = []ValidationRule{
		{Name: "database_url_format", Validator: validateURL("postgres", "postgresql"), OnlyForStore: "pgvector"},
	}
	v.rules["redis_url"] = []ValidationRule{{Name: "redis_url_format", Validator: validateURL("redis", "rediss")}}
	v.rules["port"] = []ValidationRule{{Name: "port_range", Validator: validatePort, Required: true}}
	v.rules["cache_ttl_seconds"] = []ValidationRule{{Name: "positive", Validator: validatePositive, Required: true}}
	v.rules["cache_max_entries"] = []ValidationRule{{Name: "non_negative", Validator: validateNonNegative}}
}

// ValidateConfig 验证完整配置
func (v *Validator) ValidateConfig(c *Config) *ValidationReport {
	report := &ValidationReport{
		Valid:     true,
		Results:   make(map[string]*ValidationResult),
		Timestamp: time.Now(),
	}

	fields := map[string]interface{}{
		"api_key":           c.APIKey,
		"base_url":          c.BaseURL,
		"chat_model":        c.ChatModel,
		"translation_model": c.TranslationModel,
		"whisper_model":     c.WhisperModel,
		"embedding_model":   c.EmbeddingModel,
		"postgres_url":      c.PostgresURL,
		"redis_url":         c.RedisURL,
		"port":              c.Port,
		"cache_ttl_seconds": c.CacheTTLSeconds,
		"cache_max_entries": c.CacheMaxEntries,
	}

	for name, value := range fields {
		result := v.validateField(name, value, c)
		report.Results[name] = result
		if !result.Valid {
			report.Valid = false
		}
	}

	report.Summary = calculateSummary(report.Results)
	v.logger.Printf("配置验证完成: 总体有效=%v, 错误=%d, 警告=%d",
		report.Valid, report.Summary.TotalErrors, report.Summary.TotalWarnings)
	return report
}

// validateField 验证单个字段；非必填且为空的字段直接通过
func (v *Validator) validateField(name string, value interface{}, c *Config) *ValidationResult {
	merged := &ValidationResult{Valid: true}
	for _, rule := range v.rules[name] {
		if rule.OnlyForStore != "" && rule.OnlyForStore != c.Store {
			continue
		}
		if !rule.Required && rule.OnlyForStore == "" && isZero(value) {
			continue
		}
		r := rule.Validator(value)
		merged.Valid = merged.Valid && r.Valid
		merged.Errors = append(merged.Errors, r.Errors...)
		merged.Warnings = append(merged.Warnings, r.Warnings...)
	}
	return merged
}

func isZero(value interface{}) bool {
	switch x := value.(type) {
	case string:
		return strings.TrimSpace(x) == ""
	case int:
		return x == 0
	}
	return value == nil
}

func calculateSummary(results map[string]*ValidationResult) ValidationSummary {
	summary := ValidationSummary{TotalFields: len(results)}
	for _, r := range results {
		if r.Valid {
			summary.ValidFields++
		} else {
			summary.InvalidFields++
		}
		summary.TotalErrors += len(r.Errors)
		summary.TotalWarnings += len(r.Warnings)
	}
	return summary
}

// GetFormattedReport 格式化报告，字段按名称排序
func (report *ValidationReport) GetFormattedReport() string {
	var b strings.Builder
	b.WriteString("\n=== 配置验证报告 ===\n")
	fmt.Fprintf(&b, "验证时间: %s\n", report.Timestamp.Format("2006-01-02 15:04:05"))
	if report.Valid {
		b.WriteString("总体状态: ✓ 通过\n")
	} else {
		b.WriteString("总体状态: ✗ 失败\n")
	}

	names := make([]string, 0, len(report.Results))
	for name := range report.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := report.Results[name]
		status := "✓"
		if !r.Valid {
			status = "✗"
		}
		fmt.Fprintf(&b, "%s %s\n", status, name)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  错误: %s\n", e)
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  警告: %s\n", w)
		}
	}
	b.WriteString("========================\n")
	return b.String()
}
