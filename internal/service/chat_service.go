package service

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
	"strings"

	"gorm.io/gorm"
)

// ChatUpdate 是聊天的部分更新。
type ChatUpdate struct {
	Title  *string `json:"title"`
	Pinned *bool   `json:"pinned"`
}

// ChatService 定义了聊天列表与协作者的操作。
type ChatService interface {
	List(ctx context.Context, userID uint) ([]model.Chat, error)
	Update(ctx context.Context, userID uint, clientID string, req ChatUpdate) (*model.Chat, error)
	Delete(ctx context.Context, userID uint, clientID string) error
	AddCollaborator(ctx context.Context, userID uint, clientID, username string) error
	ListCollaborators(ctx context.Context, userID uint, clientID string) ([]uint, error)
}

type chatService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(chatRepo repository.ChatRepository, userRepo repository.UserRepository) ChatService {
	return &chatService{chatRepo: chatRepo, userRepo: userRepo}
}

func (s *chatService) List(ctx context.Context, userID uint) ([]model.Chat, error) {
	chats, err := s.chatRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询聊天列表失败: %w", err)
	}
	return chats, nil
}

// load 查找聊天并校验协作者身份；ownerOnly 时只允许所有者。
func (s *chatService) load(ctx context.Context, userID uint, clientID string, ownerOnly bool) (*model.Chat, error) {
	chat, err := s.chatRepo.FindByClientID(ctx, clientID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询聊天失败: %w", err)
	}
	if ownerOnly {
		if chat.OwnerID != userID {
			return nil, ErrUnauthorized
		}
		return chat, nil
	}
	ok, err := s.chatRepo.IsCollaborator(ctx, chat.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("查询协作者失败: %w", err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	return chat, nil
}

func (s *chatService) Update(ctx context.Context, userID uint, clientID string, req ChatUpdate) (*model.Chat, error) {
	chat, err := s.load(ctx, userID, clientID, false)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			updates["title"] = nil
		} else {
			updates["title"] = title
		}
	}
	if req.Pinned != nil {
		updates["pinned"] = *req.Pinned
	}
	if len(updates) == 0 {
		return chat, nil
	}
	if err := s.chatRepo.Update(ctx, chat.ID, updates); err != nil {
		return nil, fmt.Errorf("更新聊天失败: %w", err)
	}
	return s.chatRepo.FindByID(ctx, chat.ID)
}

// Delete 删除聊天及其消息、流日志与协作者，只有所有者可以删除。
func (s *chatService) Delete(ctx context.Context, userID uint, clientID string) error {
	chat, err := s.load(ctx, userID, clientID, true)
	if err != nil {
		return err
	}
	if err := s.chatRepo.Delete(ctx, chat.ID); err != nil {
		return fmt.Errorf("删除聊天失败: %w", err)
	}
	log.Infof("[ChatService] 聊天已删除, clientId: %s, owner: %d", clientID, userID)
	return nil
}

func (s *chatService) AddCollaborator(ctx context.Context, userID uint, clientID, username string) error {
	chat, err := s.load(ctx, userID, clientID, true)
	if err != nil {
		return err
	}
	invitee, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: 用户 %q 不存在", ErrClientInput, username)
	}
	if err != nil {
		return err
	}
	return s.chatRepo.AddCollaborator(ctx, chat.ID, invitee.ID)
}

func (s *chatService) ListCollaborators(ctx context.Context, userID uint, clientID string) ([]uint, error) {
	chat, err := s.load(ctx, userID, clientID, false)
	if err != nil {
		return nil, err
	}
	return s.chatRepo.ListCollaboratorIDs(ctx, chat.ID)
}
