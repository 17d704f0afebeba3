package service

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SendMessageRequest 是一次发送。Selection 为空时使用用户保存的偏好。
type SendMessageRequest struct {
	ChatClientID  string
	Content       string
	AttachmentIDs []uint
	Selection     *model.ModelSelection
}

// SendMessageResult 返回新的一轮的标识，客户端用 StreamID 驱动 /chat-stream。
type SendMessageResult struct {
	ChatID        string `json:"chatId"`
	UserMessageID uint   `json:"userMessageId"`
	MessageID     uint   `json:"messageId"`
	StreamID      string `json:"streamId"`
	ModelKey      string `json:"modelKey"`
}

// MessageStream 是消息当前流的聚合视图。
type MessageStream struct {
	MessageID uint               `json:"messageId"`
	StreamID  string             `json:"streamId"`
	Text      string             `json:"text"`
	Status    model.StreamStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
}

// MessageService 是协作者可见的消息读写面。
type MessageService interface {
	SendMessage(ctx context.Context, user *model.User, req SendMessageRequest) (*SendMessageResult, error)
	RetryMessage(ctx context.Context, user *model.User, messageID uint, selection *model.ModelSelection) (*SendMessageResult, error)
	EditMessage(ctx context.Context, user *model.User, messageID uint, content string, selection *model.ModelSelection) (*SendMessageResult, error)
	GetMessagesByChatID(ctx context.Context, userID uint, chatClientID string) ([]model.Message, error)
	GetStreamBody(ctx context.Context, userID uint, streamID string) (*model.StreamBody, error)
	GetMessageStream(ctx context.Context, userID, messageID uint) (*MessageStream, error)
	// AuthorizeStream 校验用户是否为流所属聊天的协作者。任何一环不存在都返回 ErrUnauthorized。
	AuthorizeStream(ctx context.Context, userID uint, streamID string) (*model.StreamLog, error)
}

type messageService struct {
	messages    repository.MessageRepository
	chats       repository.ChatRepository
	streams     repository.StreamRepository
	attachments repository.AttachmentRepository
	preferences PreferenceService
	resolver    ModelResolver
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(
	messages repository.MessageRepository,
	chats repository.ChatRepository,
	streams repository.StreamRepository,
	attachments repository.AttachmentRepository,
	preferences PreferenceService,
	resolver ModelResolver,
) MessageService {
	return &messageService{
		messages:    messages,
		chats:       chats,
		streams:     streams,
		attachments: attachments,
		preferences: preferences,
		resolver:    resolver,
	}
}

// SendMessage 写入新的一轮并解析本轮模型。
// 解析失败时新流以 error 封存，错误原样返回给调用方映射状态码。
func (s *messageService) SendMessage(ctx context.Context, user *model.User, req SendMessageRequest) (*SendMessageResult, error) {
	clientID := strings.TrimSpace(req.ChatClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: 缺少聊天 ID", ErrClientInput)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: 消息内容不能为空", ErrClientInput)
	}

	chat, err := s.chats.FindByClientID(ctx, clientID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		chat = &model.Chat{ClientID: clientID, OwnerID: user.ID}
	case err != nil:
		return nil, fmt.Errorf("查询聊天失败: %w", err)
	default:
		if err := s.authorizeChat(ctx, chat.ID, user.ID); err != nil {
			return nil, err
		}
	}
	if err := s.checkAttachments(ctx, user.ID, req.AttachmentIDs); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	userMsg := &model.Message{
		AuthorID:      user.ID,
		Role:          model.RoleUserMessage,
		Content:       req.Content,
		AttachmentIDs: req.AttachmentIDs,
		Status:        model.MessageCompleted,
	}
	assistant := &model.Message{
		AuthorID: user.ID,
		Role:     model.RoleAssistantMessage,
		Status:   model.MessagePending,
		StreamID: &streamID,
	}
	turn := &repository.Turn{
		Chat:      chat,
		User:      userMsg,
		Assistant: assistant,
		Log:       &model.StreamLog{StreamID: streamID, Status: model.StreamPending},
	}
	if err := s.messages.CreateTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}

	llmModel, err := s.resolveTurn(ctx, user.ID, req.Selection, req.Content, assistant.ID, streamID)
	if err != nil {
		return nil, err
	}
	log.Infow("message sent", "chatId", clientID, "messageId", assistant.ID, "streamId", streamID, "model", llmModel.Key)
	return &SendMessageResult{
		ChatID:        clientID,
		UserMessageID: userMsg.ID,
		MessageID:     assistant.ID,
		StreamID:      streamID,
		ModelKey:      llmModel.Key,
	}, nil
}

// RetryMessage 为助手消息分配新流并重新解析模型，旧回答保留在 Responses 中。
func (s *messageService) RetryMessage(ctx context.Context, user *model.User, messageID uint, selection *model.ModelSelection) (*SendMessageResult, error) {
	msg, chat, err := s.loadMessage(ctx, user.ID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != model.RoleAssistantMessage {
		return nil, fmt.Errorf("%w: 只能重试助手消息", ErrClientInput)
	}
	prompt, err := s.messages.FindByTurn(ctx, msg.ChatID, msg.Position.TurnIndex-1)
	if err != nil {
		return nil, fmt.Errorf("%w: 消息 %d 缺少对应的用户消息", ErrServer, msg.ID)
	}
	return s.regenerate(ctx, user, chat, msg, nil, prompt.Content, selection)
}

// EditMessage 改写用户消息（旧内容进入 ContentHistory），并重新生成紧随其后的助手消息。
func (s *messageService) EditMessage(ctx context.Context, user *model.User, messageID uint, content string, selection *model.ModelSelection) (*SendMessageResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: 消息内容不能为空", ErrClientInput)
	}
	msg, chat, err := s.loadMessage(ctx, user.ID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != model.RoleUserMessage {
		return nil, fmt.Errorf("%w: 只能编辑用户消息", ErrClientInput)
	}
	if msg.AuthorID != user.ID {
		return nil, ErrUnauthorized
	}
	reply, err := s.messages.FindByTurn(ctx, msg.ChatID, msg.Position.TurnIndex+1)
	if err != nil {
		return nil, fmt.Errorf("%w: 消息 %d 缺少对应的助手消息", ErrServer, msg.ID)
	}

	msg.ContentHistory = append(msg.ContentHistory, model.ContentRevision{Content: msg.Content, CreatedAt: time.Now()})
	msg.Content = content
	return s.regenerate(ctx, user, chat, reply, msg, content, selection)
}

func (s *messageService) regenerate(ctx context.Context, user *model.User, chat *model.Chat, assistant, edited *model.Message,
	prompt string, selection *model.ModelSelection) (*SendMessageResult, error) {
	if assistant.Status == model.MessageStreaming {
		return nil, fmt.Errorf("%w: 消息仍在生成中", ErrClientInput)
	}

	var supersede string
	if assistant.StreamID != nil {
		supersede = *assistant.StreamID
	}
	streamID := uuid.NewString()
	assistant.StreamID = &streamID
	assistant.Status = model.MessagePending
	assistant.Content = ""

	err := s.messages.Regenerate(ctx, &repository.Regeneration{
		Assistant: assistant,
		User:      edited,
		Log:       &model.StreamLog{StreamID: streamID, Status: model.StreamPending},
		Supersede: supersede,
	})
	if errors.Is(err, repository.ErrStreamActive) {
		return nil, fmt.Errorf("%w: 消息仍在生成中", ErrClientInput)
	}
	if err != nil {
		return nil, fmt.Errorf("写入重新生成记录失败: %w", err)
	}

	llmModel, err := s.resolveTurn(ctx, user.ID, selection, prompt, assistant.ID, streamID)
	if err != nil {
		return nil, err
	}
	log.Infow("message regenerated", "chatId", chat.ClientID, "messageId", assistant.ID,
		"streamId", streamID, "supersedes", supersede, "branch", assistant.Position.BranchIndex)
	return &SendMessageResult{
		ChatID:    chat.ClientID,
		MessageID: assistant.ID,
		StreamID:  streamID,
		ModelKey:  llmModel.Key,
	}, nil
}

// resolveTurn 解析本轮模型并写入助手消息；失败时封存流。
func (s *messageService) resolveTurn(ctx context.Context, userID uint, explicit *model.ModelSelection, prompt string,
	assistantID uint, streamID string) (*model.LLMModel, error) {
	sel, err := s.preferences.EffectiveSelection(ctx, userID, explicit)
	var llmModel *model.LLMModel
	if err == nil {
		llmModel, err = s.resolver.Resolve(ctx, sel, prompt)
	}
	if err == nil {
		err = s.messages.SetModelKey(ctx, assistantID, llmModel.Key)
	}
	if err != nil {
		s.failStream(streamID, err)
		return nil, err
	}
	return llmModel, nil
}

// failStream 在生成开始前以 error 封存流，用独立的 context 保证请求取消后仍能落库。
func (s *messageService) failStream(streamID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.streams.Finalize(ctx, streamID, "", repository.StreamOutcome{
		Status: model.StreamError,
		Error:  cause.Error(),
	}); err != nil {
		log.Errorf("封存流 %s 失败: %v", streamID, err)
		return
	}
	log.Warnw("stream sealed before generation", "streamId", streamID, "error", cause)
}

func (s *messageService) checkAttachments(ctx context.Context, userID uint, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.attachments.FindByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("查询附件失败: %w", err)
	}
	owned := make(map[uint]bool, len(found))
	for _, a := range found {
		if a.OwnerID == userID {
			owned[a.ID] = true
		}
	}
	for _, id := range ids {
		if !owned[id] {
			return fmt.Errorf("%w: 附件 %d 不存在", ErrClientInput, id)
		}
	}
	return nil
}

func (s *messageService) authorizeChat(ctx context.Context, chatID, userID uint) error {
	ok, err := s.chats.IsCollaborator(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("查询协作者失败: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (s *messageService) loadMessage(ctx context.Context, userID, messageID uint) (*model.Message, *model.Chat, error) {
	msg, err := s.messages.FindByID(ctx, messageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("查询消息失败: %w", err)
	}
	chat, err := s.chats.FindByID(ctx, msg.ChatID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: 消息 %d 所属聊天不存在", ErrServer, msg.ID)
	}
	if err := s.authorizeChat(ctx, chat.ID, userID); err != nil {
		return nil, nil, err
	}
	return msg, chat, nil
}

func (s *messageService) GetMessagesByChatID(ctx context.Context, userID uint, chatClientID string) ([]model.Message, error) {
	chat, err := s.chats.FindByClientID(ctx, chatClientID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询聊天失败: %w", err)
	}
	if err := s.authorizeChat(ctx, chat.ID, userID); err != nil {
		return nil, err
	}
	return s.messages.FindByChatID(ctx, chat.ID)
}

func (s *messageService) GetStreamBody(ctx context.Context, userID uint, streamID string) (*model.StreamBody, error) {
	if _, err := s.AuthorizeStream(ctx, userID, streamID); err != nil {
		return nil, err
	}
	return s.streams.Body(ctx, streamID)
}

func (s *messageService) GetMessageStream(ctx context.Context, userID, messageID uint) (*MessageStream, error) {
	msg, _, err := s.loadMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.StreamID == nil {
		return nil, ErrNotFound
	}
	body, err := s.streams.Body(ctx, *msg.StreamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取流失败: %w", err)
	}
	return &MessageStream{
		MessageID: msg.ID,
		StreamID:  body.StreamID,
		Text:      body.Text,
		Status:    body.Status,
		Error:     body.Error,
	}, nil
}

func (s *messageService) AuthorizeStream(ctx context.Context, userID uint, streamID string) (*model.StreamLog, error) {
	streamLog, err := s.streams.Get(ctx, streamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("查询流日志失败: %w", err)
	}
	msg, err := s.messages.FindByID(ctx, streamLog.MessageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("查询消息失败: %w", err)
	}
	if err := s.authorizeChat(ctx, msg.ChatID, userID); err != nil {
		return nil, err
	}
	return streamLog, nil
}
