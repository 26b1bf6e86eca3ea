package processors

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"videoQA/core"
)

const (
	// NotFoundAnswer 模型返回空内容时的回答
	NotFoundAnswer = "I couldn't find that information in the video."
	// FailureAnswer 模型调用失败时的回答
	FailureAnswer = "An error occurred while generating the answer."
)

const qaPromptTemplate = `You are a YouTube video expert. Answer using ONLY these transcript excerpts.

Transcripts:
%s

Question: %s

Guidelines:
1. Be concise (1-2 paragraphs max)
2. Use only the provided context
3. If unsure, say "I couldn't find that in the video"

Answer:`

// Generator 基于检索片段生成回答，永远返回可展示的文本
type Generator struct {
	model   core.LanguageModel
	timeout time.Duration
}

func NewGenerator(model core.LanguageModel, timeout time.Duration) *Generator {
	return &Generator{model: model, timeout: timeout}
}

// BuildPrompt 拼接上下文，不包含时间戳
func BuildPrompt(question string, chunks []core.Chunk) string {
	blocks := make([]string, len(chunks))
	for i, c := range chunks {
		blocks[i] = "Content: " + c.Text
	}
	return fmt.Sprintf(qaPromptTemplate, strings.Join(blocks, "\n\n"), question)
}

// Generate 生成回答。模型出错、超时或panic时返回 FailureAnswer
func (g *Generator) Generate(ctx context.Context, question string, chunks []core.Chunk) (answer string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Error generating answer: panic: %v", r)
			answer = FailureAnswer
		}
	}()

	if g.model == nil {
		log.Printf("Error generating answer: no language model configured")
		return FailureAnswer
	}

	gctx, cancel := withStageTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.Complete(gctx, BuildPrompt(question, chunks))
	if err != nil {
		log.Printf("Error generating answer: %v", err)
		return FailureAnswer
	}
	if strings.TrimSpace(resp) == "" {
		return NotFoundAnswer
	}
	return resp
}
