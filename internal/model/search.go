package model

import "time"

// MessageDocument 是索引到 Elasticsearch 的一轮对话。
type MessageDocument struct {
	DocID     string    `json:"doc_id"`
	ChatID    uint      `json:"chat_id"`
	ClientID  string    `json:"client_id"`
	MessageID uint      `json:"message_id"`
	StreamID  string    `json:"stream_id"`
	Prompt    string    `json:"prompt"`
	Answer    string    `json:"answer"`
	ModelKey  string    `json:"model_key"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageSearchHit 是一条搜索结果。
type MessageSearchHit struct {
	ChatID    uint     `json:"chatId"`
	ClientID  string   `json:"clientId"`
	MessageID uint     `json:"messageId"`
	Prompt    string   `json:"prompt"`
	Answer    string   `json:"answer"`
	ModelKey  string   `json:"modelKey"`
	Score     float64  `json:"score"`
	Highlight []string `json:"highlight,omitempty"`
}
