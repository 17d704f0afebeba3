package service

import (
	"context"
	"polychat-go/internal/model"
	"sync"
)

// StreamSession 是一次生成在进程内的缓冲：一个生产者追加分块，任意多个读者按偏移读取。
// 状态只在持久化封存完成后才变为终态，因此读者看到的终态与数据库一致。
type StreamSession struct {
	StreamID  string
	MessageID uint
	ModelKey  string

	mu     sync.Mutex
	chunks []string
	status model.StreamStatus
	err    error
	wake   chan struct{}
}

func newStreamSession(streamID string, messageID uint, modelKey string) *StreamSession {
	return &StreamSession{
		StreamID:  streamID,
		MessageID: messageID,
		ModelKey:  modelKey,
		status:    model.StreamPending,
		wake:      make(chan struct{}),
	}
}

// broadcast 唤醒所有等待者，调用方必须持有锁。
func (s *StreamSession) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *StreamSession) append(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.chunks = append(s.chunks, delta)
	s.status = model.StreamStreaming
	s.broadcast()
}

func (s *StreamSession) finish(status model.StreamStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
	s.err = err
	s.broadcast()
}

// Next 阻塞直到出现 from 之后的分块或会话结束。
// done 为 true 时返回的分块就是最后一批，之后不会再有新分块。
func (s *StreamSession) Next(ctx context.Context, from int) (chunks []string, done bool, err error) {
	for {
		s.mu.Lock()
		if len(s.chunks) > from {
			out := make([]string, len(s.chunks)-from)
			copy(out, s.chunks[from:])
			done := s.status.Terminal()
			s.mu.Unlock()
			return out, done, nil
		}
		if s.status.Terminal() {
			s.mu.Unlock()
			return nil, true, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wake:
		}
	}
}

// Result 返回当前状态与失败原因。
func (s *StreamSession) Result() (model.StreamStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err
}

// Text 返回已交付分块的拼接。
func (s *StreamSession) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	buf := make([]byte, 0, n)
	for _, c := range s.chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}
