package repository

import (
	"context"
	"errors"
	"polychat-go/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStreamActive 表示要替换的流已经有写者在生成。
var ErrStreamActive = errors.New("stream is being generated")

// Turn 是一次发送需要原子写入的全部记录。
// Chat.ID 为 0 时新建聊天，并把所有者写入协作者表。
type Turn struct {
	Chat      *model.Chat
	User      *model.Message
	Assistant *model.Message
	Log       *model.StreamLog
}

// Regeneration 是重试或编辑时对已有一轮的改写。
// User 只在编辑时非空；Supersede 是被替换的旧流，仍为 pending 时会被封存为 error。
type Regeneration struct {
	Assistant *model.Message
	User      *model.Message
	Log       *model.StreamLog
	Supersede string
}

// MessageRepository 是消息的数据访问。
type MessageRepository interface {
	CreateTurn(ctx context.Context, turn *Turn) error
	Regenerate(ctx context.Context, regen *Regeneration) error
	FindByID(ctx context.Context, id uint) (*model.Message, error)
	FindByChatID(ctx context.Context, chatID uint) ([]model.Message, error)
	FindByTurn(ctx context.Context, chatID uint, turnIndex int) (*model.Message, error)
	ListBeforeTurn(ctx context.Context, chatID uint, turnIndex int) ([]model.Message, error)
	SetModelKey(ctx context.Context, id uint, modelKey string) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// CreateTurn 在一个事务中写入聊天（可选）、用户消息、助手占位消息与 pending 流日志。
func (r *messageRepository) CreateTurn(ctx context.Context, turn *Turn) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if turn.Chat.ID == 0 {
			turn.Chat.LastMessageAt = now
			if err := tx.Create(turn.Chat).Error; err != nil {
				return err
			}
			owner := &model.ChatCollaborator{ChatID: turn.Chat.ID, UserID: turn.Chat.OwnerID}
			if err := tx.Create(owner).Error; err != nil {
				return err
			}
		} else {
			// 锁住聊天行，同一聊天的轮次分配串行进行
			var locked model.Chat
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&locked, turn.Chat.ID).Error; err != nil {
				return err
			}
		}

		var next int
		if err := tx.Model(&model.Message{}).
			Where("chat_id = ?", turn.Chat.ID).
			Select("COALESCE(MAX(pos_turn_index), -1) + 1").
			Scan(&next).Error; err != nil {
			return err
		}

		turn.User.ChatID = turn.Chat.ID
		turn.User.Position = model.BranchPosition{TurnIndex: next}
		if err := tx.Create(turn.User).Error; err != nil {
			return err
		}

		turn.Assistant.ChatID = turn.Chat.ID
		turn.Assistant.Position = model.BranchPosition{TurnIndex: next + 1}
		if err := tx.Create(turn.Assistant).Error; err != nil {
			return err
		}

		turn.Log.MessageID = turn.Assistant.ID
		if err := tx.Create(turn.Log).Error; err != nil {
			return err
		}

		return tx.Model(&model.Chat{}).Where("id = ?", turn.Chat.ID).Updates(map[string]interface{}{
			"last_message_at": now,
			"stream_id":       turn.Log.StreamID,
		}).Error
	})
}

// Regenerate 在一个事务中封存旧的 pending 流、推进分支号、保存改写后的消息并创建新的流日志。
func (r *messageRepository) Regenerate(ctx context.Context, regen *Regeneration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if regen.Supersede != "" {
			var old model.StreamLog
			if err := tx.Where("stream_id = ?", regen.Supersede).First(&old).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			} else if err == nil {
				switch old.Status {
				case model.StreamStreaming:
					return ErrStreamActive
				case model.StreamPending:
					res := tx.Model(&model.StreamLog{}).
						Where("stream_id = ? AND status = ? AND writer_id = ''", regen.Supersede, model.StreamPending).
						Updates(map[string]interface{}{"status": model.StreamError, "error": "superseded", "sealed_at": now})
					if res.Error != nil {
						return res.Error
					}
					if res.RowsAffected == 0 {
						return ErrStreamActive
					}
				}
			}
		}

		// 消息仍指向被替换的流时才推进分支号，并发的重新生成只有一个成功
		cas := tx.Model(&model.Message{}).Where("id = ?", regen.Assistant.ID)
		if regen.Supersede != "" {
			cas = cas.Where("stream_id = ?", regen.Supersede)
		} else {
			cas = cas.Where("stream_id IS NULL")
		}
		res := cas.UpdateColumn("pos_branch_index", gorm.Expr("pos_branch_index + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStreamActive
		}
		if err := tx.Model(&model.Message{}).Where("id = ?", regen.Assistant.ID).
			Select("pos_branch_index").Scan(&regen.Assistant.Position.BranchIndex).Error; err != nil {
			return err
		}

		if regen.User != nil {
			if err := tx.Save(regen.User).Error; err != nil {
				return err
			}
		}
		if err := tx.Save(regen.Assistant).Error; err != nil {
			return err
		}

		regen.Log.MessageID = regen.Assistant.ID
		if err := tx.Create(regen.Log).Error; err != nil {
			return err
		}

		return tx.Model(&model.Chat{}).Where("id = ?", regen.Assistant.ChatID).Updates(map[string]interface{}{
			"last_message_at": now,
			"stream_id":       regen.Log.StreamID,
		}).Error
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id uint) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindByChatID 按轮次顺序返回聊天的全部消息。
func (r *messageRepository) FindByChatID(ctx context.Context, chatID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("pos_turn_index ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) FindByTurn(ctx context.Context, chatID uint, turnIndex int) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND pos_turn_index = ?", chatID, turnIndex).
		First(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListBeforeTurn 返回某轮之前的全部消息，用于拼装上下文。
func (r *messageRepository) ListBeforeTurn(ctx context.Context, chatID uint, turnIndex int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND pos_turn_index < ?", chatID, turnIndex).
		Order("pos_turn_index ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) SetModelKey(ctx context.Context, id uint, modelKey string) error {
	return r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Update("model_key", modelKey).Error
}
