// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"polychat-go/internal/config"
	"polychat-go/pkg/log"
	"polychat-go/pkg/tasks"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单个任务的最大处理次数，超过后提交 offset 放弃重试。
const maxAttempts = 3

// TaskProcessor 处理流结束任务，解耦消费者与具体流水线实现。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.StreamFinishedTask) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
}

// CloseProducer 刷新并关闭生产者。
func CloseProducer() {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		log.Error("关闭 Kafka 生产者失败", err)
	}
}

// ProduceStreamFinished 发送一个流结束任务，以 streamId 作为消息 key。
func ProduceStreamFinished(ctx context.Context, task tasks.StreamFinishedTask) error {
	if producer == nil {
		return errors.New("kafka producer not initialised")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.StreamID),
		Value: taskBytes,
	})
}

// StreamEventPublisher 把流结束事件写入 Kafka。
type StreamEventPublisher struct{}

func (StreamEventPublisher) PublishStreamFinished(ctx context.Context, task tasks.StreamFinishedTask) error {
	return ProduceStreamFinished(ctx, task)
}

// StartConsumer 启动消费者处理流结束任务，ctx 取消后退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		if handleMessage(ctx, rdb, processor, m.Value) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handleMessage 处理一条消息并返回是否应提交 offset。
// 失败次数记录在 Redis 中，达到 maxAttempts 后提交以终止重试；Redis 异常时保守地不提交。
func handleMessage(ctx context.Context, rdb *redis.Client, processor TaskProcessor, value []byte) bool {
	var task tasks.StreamFinishedTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.StreamID)
	if err := processor.Process(ctx, task); err != nil {
		log.Errorf("处理流结束任务失败: streamId=%s, error: %v", task.StreamID, err)
		attempts, incErr := rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			return false
		}
		_ = rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorf("流结束任务多次失败(>=%d)，提交 offset 终止重试: streamId=%s", maxAttempts, task.StreamID)
			return true
		}
		return false
	}

	log.Infof("流结束任务处理成功: streamId=%s", task.StreamID)
	_ = rdb.Del(ctx, attemptsKey).Err()
	return true
}
