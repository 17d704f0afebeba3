package model

import "time"

// Role 是消息作者。
type Role string

const (
	RoleUserMessage      Role = "user"
	RoleAssistantMessage Role = "assistant"
)

// MessageStatus 是消息的生成状态。
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageStreaming MessageStatus = "streaming"
	MessageCompleted MessageStatus = "completed"
	MessageError     MessageStatus = "error"
)

// ContentRevision 记录用户消息被编辑前的内容。
type ContentRevision struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenUsage 是一次生成的用量统计。
type TokenUsage struct {
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
	TotalTokens  int  `json:"totalTokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// ResponseRevision 是助手消息的一个分支回答。BranchID 在创建时生成，之后不变。
type ResponseRevision struct {
	BranchID  string     `json:"branchId"`
	StreamID  string     `json:"streamId"`
	Content   string     `json:"content"`
	ModelName string     `json:"modelName"`
	Provider  Provider   `json:"provider"`
	CreatedAt time.Time  `json:"createdAt"`
	Tokens    TokenUsage `json:"tokens"`
}

// BranchPosition 定位一条消息：第几轮、该轮的第几个分支。
// 同一聊天内 TurnIndex 唯一；BranchIndex 是该轮的第几次生成尝试。
type BranchPosition struct {
	TurnIndex   int `gorm:"not null;uniqueIndex:idx_messages_chat_turn,priority:2" json:"turnIndex"`
	BranchIndex int `gorm:"not null;default:0" json:"branchIndex"`
}

// Message 对应 messages 表。
type Message struct {
	ID             uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID         uint               `gorm:"not null;uniqueIndex:idx_messages_chat_turn,priority:1" json:"chatId"`
	AuthorID       uint               `gorm:"index" json:"authorId"`
	Role           Role               `gorm:"type:varchar(16);not null" json:"role"`
	Content        string             `gorm:"type:mediumtext" json:"content"`
	ContentHistory []ContentRevision  `gorm:"type:mediumtext;serializer:json" json:"contentHistory"`
	Responses      []ResponseRevision `gorm:"type:mediumtext;serializer:json" json:"responses"`
	AttachmentIDs  []uint             `gorm:"type:text;serializer:json" json:"attachmentIds"`
	Status         MessageStatus      `gorm:"type:varchar(16);not null;default:'completed'" json:"status"`
	StreamID       *string            `gorm:"type:varchar(64);index" json:"streamId"`
	ModelKey       string             `gorm:"type:varchar(128)" json:"modelKey"`
	Position       BranchPosition     `gorm:"embedded;embeddedPrefix:pos_" json:"position"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

func (Message) TableName() string {
	return "messages"
}
