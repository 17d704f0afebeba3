// Package llm provides a client for the OpenRouter-compatible model gateway.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"polychat-go/internal/config"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// Client defines the interface for an LLM gateway client.
type Client interface {
	// StreamChat 以流式方式生成回答，每个非空增量调用一次 onDelta，返回网关上报的用量（可能为空）。
	// onDelta 返回错误时立即停止读取并返回该错误。
	StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (*Usage, error)
	// Complete 一次性生成。Enum 非空时要求网关按 JSON schema 在闭集中作答。
	Complete(ctx context.Context, req ChatRequest, enum *EnumConstraint) (string, *Usage, error)
}

// Message 表示一条角色消息。ImageURLs 非空时以多模态分片发送。
type Message struct {
	Role      string
	Content   string
	ImageURLs []string
}

// GenerationParams 控制生成行为，nil 字段使用配置默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ChatRequest 是一次生成请求。
type ChatRequest struct {
	Model    string
	Messages []Message
	Params   *GenerationParams
}

// EnumConstraint 要求输出 {"<Field>": one of Values}。
type EnumConstraint struct {
	Name   string
	Field  string
	Values []string
}

// Usage 是网关返回的 token 用量。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type openRouterClient struct {
	cfg    config.LLMConfig
	client *openai.Client
}

// NewClient 创建指向 cfg.BaseURL 的网关客户端。
func NewClient(cfg config.LLMConfig) Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Transport: &attributionTransport{
		base:    http.DefaultTransport,
		siteURL: cfg.SiteURL,
		appName: cfg.AppName,
	}}
	return &openRouterClient{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

// attributionTransport 为 OpenRouter 附加应用归属头。
type attributionTransport struct {
	base    http.RoundTripper
	siteURL string
	appName string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.siteURL != "" {
		req.Header.Set("HTTP-Referer", t.siteURL)
	}
	if t.appName != "" {
		req.Header.Set("X-Title", t.appName)
	}
	return t.base.RoundTrip(req)
}

func (c *openRouterClient) StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (*Usage, error) {
	r := c.buildRequest(req)
	r.Stream = true
	r.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat stream: %w", err)
	}
	defer stream.Close()

	var usage *Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, fmt.Errorf("failed to read from stream: %w", err)
		}
		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			return usage, err
		}
	}
}

func (c *openRouterClient) Complete(ctx context.Context, req ChatRequest, enum *EnumConstraint) (string, *Usage, error) {
	r := c.buildRequest(req)
	if enum != nil {
		r.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name: enum.Name,
				Schema: &jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						enum.Field: {Type: jsonschema.String, Enum: enum.Values},
					},
					Required:             []string{enum.Field},
					AdditionalProperties: false,
				},
				Strict: true,
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, r)
	if err != nil {
		return "", nil, fmt.Errorf("chat completion failed: %w", err)
	}
	usage := &Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return "", usage, errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *openRouterClient) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	r := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}

	// 传参优先，其次使用配置中的非零默认值
	gen := req.Params
	if gen == nil {
		gen = &GenerationParams{}
		if t := c.cfg.Generation.Temperature; t != 0 {
			gen.Temperature = &t
		}
		if p := c.cfg.Generation.TopP; p != 0 {
			gen.TopP = &p
		}
		if m := c.cfg.Generation.MaxTokens; m != 0 {
			gen.MaxTokens = &m
		}
	}
	if gen.Temperature != nil {
		r.Temperature = float32(*gen.Temperature)
		if r.Temperature == 0 {
			// go-openai 会省略零值，用最小正数表达 "temperature=0"
			r.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if gen.TopP != nil {
		r.TopP = float32(*gen.TopP)
	}
	if gen.MaxTokens != nil {
		r.MaxTokens = *gen.MaxTokens
	}
	return r
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.ImageURLs) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
		for _, u := range m.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: u},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}
