package repository

import (
	"context"
	"fmt"
	"polychat-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// StreamNotifier 在流日志增长或封存时通知其他读者（可能在其他进程）。
// 通知只是唤醒信号，读者总是回到数据库读取分块。
type StreamNotifier interface {
	Notify(ctx context.Context, streamID string) error
	Subscribe(ctx context.Context, streamID string) (<-chan struct{}, func())
}

type redisStreamNotifier struct {
	redisClient *redis.Client
}

// NewStreamNotifier 创建基于 Redis Pub/Sub 的 StreamNotifier。
func NewStreamNotifier(redisClient *redis.Client) StreamNotifier {
	return &redisStreamNotifier{redisClient: redisClient}
}

func streamChannel(streamID string) string {
	return fmt.Sprintf("stream:%s:events", streamID)
}

func (n *redisStreamNotifier) Notify(ctx context.Context, streamID string) error {
	return n.redisClient.Publish(ctx, streamChannel(streamID), "1").Err()
}

// Subscribe 返回一个容量为 1 的唤醒通道，多次通知会被合并。调用 cancel 释放订阅。
func (n *redisStreamNotifier) Subscribe(ctx context.Context, streamID string) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	ps := n.redisClient.Subscribe(ctx, streamChannel(streamID))
	// 等待订阅确认，避免确认前发布的通知丢失
	if _, err := ps.Receive(ctx); err != nil {
		log.Warnf("订阅流通知失败, streamId: %s, error: %v", streamID, err)
	}

	done := make(chan struct{})
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = ps.Close()
	}
	return wake, cancel
}
