package service

import (
	"context"
	"encoding/json"
	"fmt"
	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
	"polychat-go/pkg/metrics"
	"strings"
)

// CategoryClassifier 把提示词归入 12 个分类之一。
type CategoryClassifier interface {
	Classify(ctx context.Context, prompt string) (model.Category, error)
}

type llmCategoryClassifier struct {
	llmClient llm.Client
	cfg       config.ClassifierConfig
}

// NewCategoryClassifier 创建基于一次受约束 LLM 调用的分类器。
func NewCategoryClassifier(llmClient llm.Client, cfg config.ClassifierConfig) CategoryClassifier {
	return &llmCategoryClassifier{llmClient: llmClient, cfg: cfg}
}

const classifierSystemPrompt = `You are a routing classifier. Read the user's message and answer with the single category that best describes it.
Allowed categories: %s.
Respond with JSON of the form {"category": "<one of the allowed categories>"} and nothing else.`

// Classify 发起一次受约束生成并校验结果。失败或越界都返回 ErrClassification，不做静默兜底。
func (c *llmCategoryClassifier) Classify(ctx context.Context, prompt string) (model.Category, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is empty", ErrClientInput)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	temperature := c.cfg.Temperature
	maxTokens := c.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 32
	}
	req := llm.ChatRequest{
		Model: c.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(classifierSystemPrompt, strings.Join(model.CategoryNames(), ", "))},
			{Role: "user", Content: prompt},
		},
		Params: &llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens},
	}
	enum := &llm.EnumConstraint{Name: "category_choice", Field: "category", Values: model.CategoryNames()}

	raw, _, err := c.llmClient.Complete(ctx, req, enum)
	if err != nil {
		metrics.Classifications.WithLabelValues("", "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrClassification, err)
	}

	category, ok := parseClassifierOutput(raw)
	if !ok {
		metrics.Classifications.WithLabelValues("", "out_of_set").Inc()
		log.Warnw("分类结果不在闭集内", "output", raw)
		return "", fmt.Errorf("%w: unexpected answer %q", ErrClassification, raw)
	}
	metrics.Classifications.WithLabelValues(string(category), "ok").Inc()
	return category, nil
}

// parseClassifierOutput 优先按 JSON 解析，网关忽略 schema 时退回到纯文本。
func parseClassifierOutput(raw string) (model.Category, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return model.ParseCategory(parsed.Category)
	}
	return model.ParseCategory(raw)
}
