// Package service 提供了搜索相关的业务逻辑。
package service

import (
	"context"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
	"regexp"
	"strings"
)

// MessageIndex 是消息全文索引，由 pkg/es 实现。
type MessageIndex interface {
	Index(ctx context.Context, doc model.MessageDocument) error
	Search(ctx context.Context, query string, chatIDs []uint, size int) ([]model.MessageSearchHit, error)
}

// SearchService 接口定义了搜索操作。
type SearchService interface {
	SearchMessages(ctx context.Context, user *model.User, query string, size int) ([]model.MessageSearchHit, error)
}

type searchService struct {
	index    MessageIndex
	chatRepo repository.ChatRepository
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(index MessageIndex, chatRepo repository.ChatRepository) SearchService {
	return &searchService{index: index, chatRepo: chatRepo}
}

// SearchMessages 只在用户参与的聊天中检索。
func (s *searchService) SearchMessages(ctx context.Context, user *model.User, query string, size int) ([]model.MessageSearchHit, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, fmt.Errorf("%w: 搜索词不能为空", ErrClientInput)
	}
	if size <= 0 || size > 50 {
		size = 10
	}

	chatIDs, err := s.chatRepo.ListIDsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("查询用户聊天失败: %w", err)
	}
	if len(chatIDs) == 0 {
		return []model.MessageSearchHit{}, nil
	}

	hits, err := s.index.Search(ctx, normalized, chatIDs, size)
	if err != nil {
		log.Errorf("[SearchService] 搜索失败, query: '%s', user: %s, error: %v", normalized, user.Username, err)
		return nil, err
	}
	log.Infof("[SearchService] query: '%s', user: %s, hits: %d", normalized, user.Username, len(hits))
	return hits, nil
}

var (
	reKeep  = regexp.MustCompile(`[^\p{Han}\p{L}\p{N}\s]+`)
	reSpace = regexp.MustCompile(`\s+`)
)

// normalizeQuery 去掉标点并归一空白。
func normalizeQuery(q string) string {
	kept := reKeep.ReplaceAllString(strings.ToLower(q), " ")
	return strings.TrimSpace(reSpace.ReplaceAllString(kept, " "))
}
