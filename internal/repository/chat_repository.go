package repository

import (
	"context"
	"polychat-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository 是聊天与协作者的数据访问。
type ChatRepository interface {
	FindByClientID(ctx context.Context, clientID string) (*model.Chat, error)
	FindByID(ctx context.Context, chatID uint) (*model.Chat, error)
	IsCollaborator(ctx context.Context, chatID, userID uint) (bool, error)
	AddCollaborator(ctx context.Context, chatID, userID uint) error
	ListCollaboratorIDs(ctx context.Context, chatID uint) ([]uint, error)
	ListForUser(ctx context.Context, userID uint) ([]model.Chat, error)
	ListIDsForUser(ctx context.Context, userID uint) ([]uint, error)
	Update(ctx context.Context, chatID uint, updates map[string]interface{}) error
	SetTitleIfEmpty(ctx context.Context, chatID uint, title string) (bool, error)
	Delete(ctx context.Context, chatID uint) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建一个新的 ChatRepository 实例。
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) FindByClientID(ctx context.Context, clientID string) (*model.Chat, error) {
	var chat model.Chat
	if err := r.db.WithContext(ctx).Where("client_id = ?", clientID).First(&chat).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *chatRepository) FindByID(ctx context.Context, chatID uint) (*model.Chat, error) {
	var chat model.Chat
	if err := r.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *chatRepository) IsCollaborator(ctx context.Context, chatID, userID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ChatCollaborator{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&n).Error
	return n > 0, err
}

// AddCollaborator 幂等地添加协作者。
func (r *chatRepository) AddCollaborator(ctx context.Context, chatID, userID uint) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ChatCollaborator{ChatID: chatID, UserID: userID}).Error
}

func (r *chatRepository) ListCollaboratorIDs(ctx context.Context, chatID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.ChatCollaborator{}).
		Where("chat_id = ?", chatID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListForUser 返回用户参与的所有聊天，置顶优先，其次按最近消息时间倒序。
func (r *chatRepository) ListForUser(ctx context.Context, userID uint) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_collaborators cc ON cc.chat_id = chats.id").
		Where("cc.user_id = ?", userID).
		Order("chats.pinned DESC, chats.last_message_at DESC").
		Find(&chats).Error
	return chats, err
}

func (r *chatRepository) ListIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.ChatCollaborator{}).
		Where("user_id = ?", userID).
		Pluck("chat_id", &ids).Error
	return ids, err
}

func (r *chatRepository) Update(ctx context.Context, chatID uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.Chat{}).Where("id = ?", chatID).Updates(updates).Error
}

// SetTitleIfEmpty 只在标题为空时写入，返回是否写入。
func (r *chatRepository) SetTitleIfEmpty(ctx context.Context, chatID uint, title string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Chat{}).
		Where("id = ? AND (title IS NULL OR title = '')", chatID).
		Update("title", title)
	return res.RowsAffected > 0, res.Error
}

// Delete 级联删除聊天、消息、消息的流日志与分块以及协作者。
func (r *chatRepository) Delete(ctx context.Context, chatID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messageIDs []uint
		if err := tx.Model(&model.Message{}).Where("chat_id = ?", chatID).Pluck("id", &messageIDs).Error; err != nil {
			return err
		}
		if len(messageIDs) > 0 {
			var streamIDs []string
			if err := tx.Model(&model.StreamLog{}).Where("message_id IN ?", messageIDs).Pluck("stream_id", &streamIDs).Error; err != nil {
				return err
			}
			if len(streamIDs) > 0 {
				if err := tx.Where("stream_id IN ?", streamIDs).Delete(&model.StreamChunk{}).Error; err != nil {
					return err
				}
				if err := tx.Where("stream_id IN ?", streamIDs).Delete(&model.StreamLog{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("chat_id = ?", chatID).Delete(&model.Message{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&model.ChatCollaborator{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Chat{}, chatID).Error
	})
}
