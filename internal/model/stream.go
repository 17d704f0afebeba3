package model

import "time"

// StreamStatus 是流日志的状态。
// pending → streaming → done | error，pending 也可以直接进入 error。
type StreamStatus string

const (
	StreamPending   StreamStatus = "pending"
	StreamStreaming StreamStatus = "streaming"
	StreamDone      StreamStatus = "done"
	StreamError     StreamStatus = "error"
)

// InterruptedReason 是写者消失后被回收的流的错误原因。
const InterruptedReason = "interrupted"

// Terminal 报告状态是否已封存。
func (s StreamStatus) Terminal() bool {
	return s == StreamDone || s == StreamError
}

// StreamLog 对应 stream_logs 表，每次生成尝试一行。
// WriterID 为空表示尚无写者，通过条件更新认领。
// 写者在 LeaseUntil 之前必须续租，过期未封存的日志视为写者已消失。
type StreamLog struct {
	ID         uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	StreamID   string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"streamId"`
	MessageID  uint         `gorm:"index;not null" json:"messageId"`
	Status     StreamStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	WriterID   string       `gorm:"type:varchar(64);not null;default:''" json:"-"`
	LeaseUntil *time.Time   `gorm:"index" json:"-"`
	ChunkCount int          `gorm:"not null;default:0" json:"chunkCount"`
	Error      string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	SealedAt   *time.Time   `json:"sealedAt,omitempty"`
}

func (StreamLog) TableName() string {
	return "stream_logs"
}

// StreamChunk 对应 stream_chunks 表，(stream_id, seq) 唯一，只追加。
type StreamChunk struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	StreamID  string    `gorm:"type:varchar(64);uniqueIndex:idx_stream_seq;not null" json:"streamId"`
	Seq       int       `gorm:"uniqueIndex:idx_stream_seq;not null" json:"seq"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (StreamChunk) TableName() string {
	return "stream_chunks"
}

// StreamBody 是流的聚合视图：全部分块按序拼接后的文本与当前状态。
type StreamBody struct {
	StreamID string       `json:"streamId"`
	Text     string       `json:"text"`
	Status   StreamStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}
