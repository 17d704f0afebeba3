package repository

import (
	"context"
	"errors"
	"polychat-go/internal/model"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrStreamSealed 表示流日志已封存或不属于当前写者，拒绝继续写入。
var ErrStreamSealed = errors.New("stream log is sealed or owned by another writer")

// StreamOutcome 是封存流日志时写入的最终结果。
// Response 非空时追加到助手消息的回答历史。
type StreamOutcome struct {
	Status   model.StreamStatus
	Content  string
	Error    string
	Response *model.ResponseRevision
}

// StreamRepository 是流日志与分块的数据访问。日志只追加，封存后不再修改。
type StreamRepository interface {
	Create(ctx context.Context, log *model.StreamLog) error
	Get(ctx context.Context, streamID string) (*model.StreamLog, error)
	Claim(ctx context.Context, streamID, writerID string, leaseUntil time.Time) (bool, error)
	Renew(ctx context.Context, streamID, writerID string, leaseUntil time.Time) error
	AppendChunk(ctx context.Context, streamID, writerID string, seq int, content string) error
	ChunksSince(ctx context.Context, streamID string, fromSeq int) ([]model.StreamChunk, error)
	Body(ctx context.Context, streamID string) (*model.StreamBody, error)
	Finalize(ctx context.Context, streamID, writerID string, out StreamOutcome) error
	SealExpired(ctx context.Context, now time.Time, reason string) ([]model.StreamLog, error)
}

type streamRepository struct {
	db *gorm.DB
}

// NewStreamRepository 创建一个新的 StreamRepository 实例。
func NewStreamRepository(db *gorm.DB) StreamRepository {
	return &streamRepository{db: db}
}

func (r *streamRepository) Create(ctx context.Context, log *model.StreamLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *streamRepository) Get(ctx context.Context, streamID string) (*model.StreamLog, error) {
	var log model.StreamLog
	if err := r.db.WithContext(ctx).Where("stream_id = ?", streamID).First(&log).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

// Claim 以条件更新认领写者身份，只有尚无写者的 pending 流能被认领。
func (r *streamRepository) Claim(ctx context.Context, streamID, writerID string, leaseUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.StreamLog{}).
		Where("stream_id = ? AND status = ? AND writer_id = ''", streamID, model.StreamPending).
		Updates(map[string]interface{}{"writer_id": writerID, "lease_until": leaseUntil})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Renew 延长写者租约。日志已封存（包括被回收）时返回 ErrStreamSealed。
func (r *streamRepository) Renew(ctx context.Context, streamID, writerID string, leaseUntil time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.StreamLog{}).
		Where("stream_id = ? AND writer_id = ? AND status IN ?", streamID, writerID,
			[]model.StreamStatus{model.StreamPending, model.StreamStreaming}).
		Update("lease_until", leaseUntil)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStreamSealed
	}
	return nil
}

// AppendChunk 写入第 seq 个分块并推进日志状态，只有当前写者且未封存时成功。
func (r *streamRepository) AppendChunk(ctx context.Context, streamID, writerID string, seq int, content string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.StreamLog{}).
			Where("stream_id = ? AND writer_id = ? AND status IN ?", streamID, writerID,
				[]model.StreamStatus{model.StreamPending, model.StreamStreaming}).
			Updates(map[string]interface{}{"status": model.StreamStreaming, "chunk_count": seq + 1})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStreamSealed
		}
		if seq == 0 {
			if err := tx.Model(&model.Message{}).
				Where("stream_id = ? AND status = ?", streamID, model.MessagePending).
				Update("status", model.MessageStreaming).Error; err != nil {
				return err
			}
		}
		return tx.Create(&model.StreamChunk{StreamID: streamID, Seq: seq, Content: content}).Error
	})
}

// ChunksSince 返回 seq >= fromSeq 的分块，按 seq 升序。
func (r *streamRepository) ChunksSince(ctx context.Context, streamID string, fromSeq int) ([]model.StreamChunk, error) {
	var chunks []model.StreamChunk
	err := r.db.WithContext(ctx).
		Where("stream_id = ? AND seq >= ?", streamID, fromSeq).
		Order("seq ASC").
		Find(&chunks).Error
	return chunks, err
}

// Body 返回分块按序拼接的全文与当前状态。
func (r *streamRepository) Body(ctx context.Context, streamID string) (*model.StreamBody, error) {
	log, err := r.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	chunks, err := r.ChunksSince(ctx, streamID, 0)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Content)
	}
	return &model.StreamBody{StreamID: streamID, Text: sb.String(), Status: log.Status, Error: log.Error}, nil
}

// Finalize 在一个事务中封存日志并写入消息的最终状态。
// writerID 为空时不校验写者（用于生成开始前的失败）。
// 消息已经指向更新的流时只封存日志，不覆盖消息。
func (r *streamRepository) Finalize(ctx context.Context, streamID, writerID string, out StreamOutcome) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.StreamLog{}).Where("stream_id = ?", streamID)
		if writerID != "" {
			q = q.Where("writer_id = ?", writerID)
		}
		return seal(tx, q, streamID, out)
	})
}

// SealExpired 回收租约已过期的流：已写入的分块作为部分内容保留，日志与消息以 error 封存。
// 回收期间续租成功的流不受影响。
func (r *streamRepository) SealExpired(ctx context.Context, now time.Time, reason string) ([]model.StreamLog, error) {
	var expired []model.StreamLog
	err := r.db.WithContext(ctx).
		Where("status IN ? AND writer_id <> '' AND (lease_until IS NULL OR lease_until < ?)",
			[]model.StreamStatus{model.StreamPending, model.StreamStreaming}, now).
		Find(&expired).Error
	if err != nil {
		return nil, err
	}

	sealed := make([]model.StreamLog, 0, len(expired))
	for _, l := range expired {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var chunks []model.StreamChunk
			if err := tx.Where("stream_id = ?", l.StreamID).Order("seq ASC").Find(&chunks).Error; err != nil {
				return err
			}
			var sb strings.Builder
			for _, c := range chunks {
				sb.WriteString(c.Content)
			}
			q := tx.Model(&model.StreamLog{}).
				Where("stream_id = ? AND writer_id = ? AND (lease_until IS NULL OR lease_until < ?)", l.StreamID, l.WriterID, now)
			return seal(tx, q, l.StreamID, StreamOutcome{Status: model.StreamError, Content: sb.String(), Error: reason})
		})
		if errors.Is(err, ErrStreamSealed) {
			continue
		}
		if err != nil {
			return sealed, err
		}
		l.Status = model.StreamError
		l.Error = reason
		sealed = append(sealed, l)
	}
	return sealed, nil
}

// seal 在 tx 中封存 q 命中的未封存日志，并同步消息与聊天。
func seal(tx *gorm.DB, q *gorm.DB, streamID string, out StreamOutcome) error {
	now := time.Now()
	res := q.Where("status IN ?", []model.StreamStatus{model.StreamPending, model.StreamStreaming}).
		Updates(map[string]interface{}{"status": out.Status, "error": out.Error, "sealed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStreamSealed
	}

	var log model.StreamLog
	if err := tx.Where("stream_id = ?", streamID).First(&log).Error; err != nil {
		return err
	}
	var msg model.Message
	if err := tx.First(&msg, log.MessageID).Error; err != nil {
		return err
	}
	if msg.StreamID == nil || *msg.StreamID != streamID {
		return nil
	}

	msg.Content = out.Content
	if out.Status == model.StreamDone {
		msg.Status = model.MessageCompleted
	} else {
		msg.Status = model.MessageError
	}
	if out.Response != nil {
		msg.Responses = append(msg.Responses, *out.Response)
	}
	if err := tx.Save(&msg).Error; err != nil {
		return err
	}

	return tx.Model(&model.Chat{}).
		Where("id = ? AND stream_id = ?", msg.ChatID, streamID).
		Updates(map[string]interface{}{"stream_id": nil, "last_message_at": now}).Error
}
