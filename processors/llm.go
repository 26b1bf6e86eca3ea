package processors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// NewOpenAIClient 创建 OpenAI 兼容客户端，baseURL 为空时使用官方地址
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// OpenAIModel 基于聊天补全接口的语言模型
type OpenAIModel struct {
	cli         *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAIModel(cli *openai.Client, model string) *OpenAIModel {
	return &OpenAIModel{cli: cli, model: model, maxTokens: 1024, temperature: 0.3}
}

func (m *OpenAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in chat completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// LLMTranslator 用聊天模型把字幕翻译成目标语言
type LLMTranslator struct {
	cli    *openai.Client
	model  string
	target string
}

func NewLLMTranslator(cli *openai.Client, model, target string) *LLMTranslator {
	if target == "" {
		target = "en"
	}
	return &LLMTranslator{cli: cli, model: model, target: target}
}

func (t *LLMTranslator) Translate(ctx context.Context, text string, maxLen int) (string, error) {
	resp, err := t.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Translate the user's text into the language with code %q. Output only the translation.", t.target),
			},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   maxLen,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("translation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in translation response")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("empty translation")
	}
	return out, nil
}
