// Package tasks defines the payloads that are sent to Kafka.
package tasks

import "time"

// StreamFinishedTask is published once a stream log is sealed.
type StreamFinishedTask struct {
	StreamID   string    `json:"stream_id"`
	MessageID  uint      `json:"message_id"`
	ChatID     uint      `json:"chat_id"`
	Status     string    `json:"status"`
	ModelKey   string    `json:"model_key"`
	FinishedAt time.Time `json:"finished_at"`
}
