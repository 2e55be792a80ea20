// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"saha-ai-go/internal/config"
	"saha-ai-go/pkg/log"
	"saha-ai-go/pkg/tasks"
)

// DefaultMaxAttempts 是一个任务被放弃前的最大处理次数。
const DefaultMaxAttempts = 3

// TaskProcessor defines the interface for any service that can process a purge task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ChatPurgeTask) error
}

// Producer 将清理任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	log.Infof("Kafka 生产者初始化成功, topic: %s", cfg.Topic)
	return &Producer{writer: w}
}

// SchedulePurge 发送一个清理任务，同一会话的任务落在同一分区。
func (p *Producer) SchedulePurge(ctx context.Context, task tasks.ChatPurgeTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.Key()), Value: taskBytes}); err != nil {
		return fmt.Errorf("produce purge task for chat %s: %w", task.ChatID, err)
	}
	log.Infof("已投递孤儿消息清理任务, chatID: %s", task.ChatID)
	return nil
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptTracker 记录任务的失败次数，使重试计数在进程重启后仍然有效。
type AttemptTracker interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type redisAttemptTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttemptTracker 创建一个基于 Redis 的 AttemptTracker，计数 24 小时后过期。
func NewRedisAttemptTracker(rdb *redis.Client) AttemptTracker {
	return &redisAttemptTracker{rdb: rdb, ttl: 24 * time.Hour}
}

func attemptsKey(key string) string {
	return "kafka:attempts:" + key
}

func (t *redisAttemptTracker) Incr(ctx context.Context, key string) (int64, error) {
	n, err := t.rdb.Incr(ctx, attemptsKey(key)).Result()
	if err != nil {
		return 0, err
	}
	_ = t.rdb.Expire(ctx, attemptsKey(key), t.ttl).Err()
	return n, nil
}

func (t *redisAttemptTracker) Reset(ctx context.Context, key string) error {
	return t.rdb.Del(ctx, attemptsKey(key)).Err()
}

// messageReader 是 *kafka.Reader 中消费者用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 从 Kafka 读取清理任务并交给 TaskProcessor 处理。
type Consumer struct {
	reader      messageReader
	processor   TaskProcessor
	attempts    AttemptTracker
	maxAttempts int
	backoff     time.Duration
}

// NewConsumer 创建一个消费者组成员。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptTracker) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(r, processor, attempts)
}

func newConsumer(r messageReader, processor TaskProcessor, attempts AttemptTracker) *Consumer {
	return &Consumer{
		reader:      r,
		processor:   processor,
		attempts:    attempts,
		maxAttempts: DefaultMaxAttempts,
		backoff:     2 * time.Second,
	}
}

// Run 持续消费直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Error("关闭 Kafka 消费者失败", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		c.handle(ctx, m)
	}
}

// handle 处理单条消息。处理成功、格式错误或失败次数达到上限时提交 offset；
// 计数不可用时不提交，留给下次重平衡后重新投递。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var task tasks.ChatPurgeTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.ChatID == "" {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		c.commit(ctx, m)
		return
	}

	for {
		err := c.processor.Process(ctx, task)
		if err == nil {
			_ = c.attempts.Reset(ctx, task.Key())
			log.Infof("清理任务处理成功: chatID=%s", task.ChatID)
			c.commit(ctx, m)
			return
		}
		log.Errorf("处理清理任务失败: chatID=%s, error: %v", task.ChatID, err)

		attempts, incErr := c.attempts.Incr(ctx, task.Key())
		if incErr != nil {
			log.Error("记录任务失败次数失败，跳过提交", incErr)
			return
		}
		if attempts >= int64(c.maxAttempts) {
			log.Errorf("清理任务多次失败(>=%d)，提交 offset 放弃重试: chatID=%s", c.maxAttempts, task.ChatID)
			c.commit(ctx, m)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempts)):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
