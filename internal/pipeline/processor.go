// Package pipeline 定义了流结束后的异步处理：生成聊天标题并把本轮对话写入搜索索引。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
	"polychat-go/pkg/tasks"
	"strings"
	"unicode/utf8"
)

const (
	titlePrompt    = "Write a 3 to 6 word title for a conversation that starts with the user's message below. Reply with the title only, no quotes or punctuation at the end."
	titleMaxTokens = 20
	titleMaxRunes  = 60
)

// MessageIndexer 是搜索索引的写入面。
type MessageIndexer interface {
	Index(ctx context.Context, doc model.MessageDocument) error
}

// Processor 封装了流结束任务的所有依赖和逻辑。
type Processor struct {
	llmClient  llm.Client
	titleModel string
	indexer    MessageIndexer
	chatRepo   repository.ChatRepository
	msgRepo    repository.MessageRepository
}

// NewProcessor 创建一个新的 Processor 实例。indexer 为空时跳过索引。
func NewProcessor(
	llmClient llm.Client,
	titleModel string,
	indexer MessageIndexer,
	chatRepo repository.ChatRepository,
	msgRepo repository.MessageRepository,
) *Processor {
	return &Processor{
		llmClient:  llmClient,
		titleModel: titleModel,
		indexer:    indexer,
		chatRepo:   chatRepo,
		msgRepo:    msgRepo,
	}
}

// Process 处理一条流结束任务。只有 done 的流会被处理；
// 索引以 streamId 为文档 ID，重复投递只会覆盖同一文档。
func (p *Processor) Process(ctx context.Context, task tasks.StreamFinishedTask) error {
	if task.Status != string(model.StreamDone) {
		log.Infof("[Processor] 跳过未完成的流, streamId: %s, status: %s", task.StreamID, task.Status)
		return nil
	}
	log.Infof("[Processor] 开始处理流结束任务, streamId: %s, messageId: %d", task.StreamID, task.MessageID)

	msg, err := p.msgRepo.FindByID(ctx, task.MessageID)
	if err != nil {
		return fmt.Errorf("查询消息失败: %w", err)
	}
	chat, err := p.chatRepo.FindByID(ctx, msg.ChatID)
	if err != nil {
		return fmt.Errorf("查询聊天失败: %w", err)
	}
	prompt, err := p.msgRepo.FindByTurn(ctx, msg.ChatID, msg.Position.TurnIndex-1)
	if err != nil {
		return fmt.Errorf("查询用户消息失败: %w", err)
	}

	var errs []error
	if err := p.index(ctx, task, chat, prompt, msg); err != nil {
		errs = append(errs, err)
	}
	if chat.Title == nil {
		if err := p.generateTitle(ctx, chat, prompt.Content); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) index(ctx context.Context, task tasks.StreamFinishedTask, chat *model.Chat, prompt, answer *model.Message) error {
	if p.indexer == nil {
		return nil
	}
	content := answer.Content
	// 消息可能已被重新生成，索引本次流对应的回答
	for _, r := range answer.Responses {
		if r.StreamID == task.StreamID {
			content = r.Content
			break
		}
	}
	doc := model.MessageDocument{
		DocID:     task.StreamID,
		ChatID:    chat.ID,
		ClientID:  chat.ClientID,
		MessageID: answer.ID,
		StreamID:  task.StreamID,
		Prompt:    prompt.Content,
		Answer:    content,
		ModelKey:  task.ModelKey,
		CreatedAt: task.FinishedAt,
	}
	if err := p.indexer.Index(ctx, doc); err != nil {
		log.Errorf("[Processor] 写入搜索索引失败, streamId: %s, error: %v", task.StreamID, err)
		return fmt.Errorf("写入搜索索引失败: %w", err)
	}
	log.Infof("[Processor] 已写入搜索索引, streamId: %s", task.StreamID)
	return nil
}

func (p *Processor) generateTitle(ctx context.Context, chat *model.Chat, firstPrompt string) error {
	temperature := 0.2
	maxTokens := titleMaxTokens
	raw, _, err := p.llmClient.Complete(ctx, llm.ChatRequest{
		Model: p.titleModel,
		Messages: []llm.Message{
			{Role: "system", Content: titlePrompt},
			{Role: "user", Content: firstPrompt},
		},
		Params: &llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens},
	}, nil)
	if err != nil {
		return fmt.Errorf("生成标题失败: %w", err)
	}
	title := cleanTitle(raw)
	if title == "" {
		log.Warnf("[Processor] 模型返回了空标题, chat: %s", chat.ClientID)
		return nil
	}
	set, err := p.chatRepo.SetTitleIfEmpty(ctx, chat.ID, title)
	if err != nil {
		return fmt.Errorf("保存标题失败: %w", err)
	}
	if set {
		log.Infof("[Processor] 聊天标题已生成, chat: %s, title: %s", chat.ClientID, title)
	}
	return nil
}

// cleanTitle 取第一行，去掉引号与结尾标点，并限制长度。
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	const quotes = " \t\"'`*“”‘’「」《》"
	title = strings.Trim(title, quotes)
	title = strings.TrimRight(title, ".。!！?？")
	title = strings.Trim(title, quotes)
	if utf8.RuneCountInString(title) > titleMaxRunes {
		title = string([]rune(title)[:titleMaxRunes])
	}
	return strings.TrimSpace(title)
}
