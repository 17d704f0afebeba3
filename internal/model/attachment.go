package model

import (
	"strings"
	"time"
)

// AttachmentFormat 是附件的类别。
type AttachmentFormat string

const (
	FormatImage AttachmentFormat = "image"
	FormatPDF   AttachmentFormat = "pdf"
)

// FormatFromContentType 根据 Content-Type 判断附件类别，不支持的类型返回 false。
func FormatFromContentType(contentType string) (AttachmentFormat, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return FormatImage, true
	case ct == "application/pdf":
		return FormatPDF, true
	}
	return "", false
}

// Attachment 对应 attachments 表。URL 为预签名地址，读取时生成，不落库。
type Attachment struct {
	ID          uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID     uint             `gorm:"index;not null" json:"ownerId"`
	StorageKey  string           `gorm:"type:varchar(255);uniqueIndex;not null" json:"-"`
	Format      AttachmentFormat `gorm:"type:varchar(16);not null" json:"format"`
	Name        string           `gorm:"type:varchar(255);not null" json:"name"`
	ContentType string           `gorm:"type:varchar(128);not null" json:"contentType"`
	Size        int64            `gorm:"not null" json:"size"`
	URL         string           `gorm:"-" json:"url"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func (Attachment) TableName() string {
	return "attachments"
}
