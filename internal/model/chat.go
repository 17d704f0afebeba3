package model

import "time"

// Chat 对应 chats 表。ClientID 由客户端生成，首条消息时创建。
// StreamID 指向当前进行中的一轮生成，结束后清空。
type Chat struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ClientID      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"clientId"`
	OwnerID       uint      `gorm:"index;not null" json:"ownerId"`
	Title         *string   `gorm:"type:varchar(255)" json:"title"`
	Pinned        bool      `gorm:"not null;default:false" json:"pinned"`
	LastMessageAt time.Time `gorm:"index" json:"lastMessageAt"`
	StreamID      *string   `gorm:"type:varchar(64)" json:"streamId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (Chat) TableName() string {
	return "chats"
}

// ChatCollaborator 是聊天与用户的关联表，所有者本身也是一条记录。
type ChatCollaborator struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ChatID    uint      `gorm:"uniqueIndex:idx_chat_user;not null"`
	UserID    uint      `gorm:"uniqueIndex:idx_chat_user;index;not null"`
	CreatedAt time.Time
}

func (ChatCollaborator) TableName() string {
	return "chat_collaborators"
}
