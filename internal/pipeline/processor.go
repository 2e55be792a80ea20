// Package pipeline 定义了删除会话后孤儿消息的补偿清理流程。
package pipeline

import (
	"context"
	"fmt"

	"saha-ai-go/internal/repository"
	"saha-ai-go/pkg/log"
	"saha-ai-go/pkg/tasks"
)

// PurgeProcessor 删除所属会话已不存在的消息。
type PurgeProcessor struct {
	messageRepo repository.MessageRepository
}

// NewPurgeProcessor 创建一个新的 PurgeProcessor 实例。
func NewPurgeProcessor(messageRepo repository.MessageRepository) *PurgeProcessor {
	return &PurgeProcessor{messageRepo: messageRepo}
}

// Process 清理一个会话的孤儿消息。会话记录仍然存在时不删除任何消息，重复执行是安全的。
func (p *PurgeProcessor) Process(ctx context.Context, task tasks.ChatPurgeTask) error {
	log.Infof("[PurgeProcessor] 开始清理孤儿消息, chatID: %s, ownerID: %d", task.ChatID, task.OwnerID)
	n, err := p.messageRepo.DeleteOrphans(ctx, task.ChatID)
	if err != nil {
		return fmt.Errorf("清理会话 %s 的孤儿消息失败: %w", task.ChatID, err)
	}
	log.Infof("[PurgeProcessor] 清理完成, chatID: %s, 删除消息 %d 条", task.ChatID, n)
	return nil
}

// InlineScheduler 在未配置 Kafka 时使用，直接在调用方的 goroutine 中执行清理。
type InlineScheduler struct {
	processor *PurgeProcessor
}

// NewInlineScheduler 创建一个同步执行清理任务的调度器。
func NewInlineScheduler(processor *PurgeProcessor) *InlineScheduler {
	return &InlineScheduler{processor: processor}
}

// SchedulePurge 立即执行清理。调用方的请求 context 可能已经接近结束，这里使用独立的 context。
func (s *InlineScheduler) SchedulePurge(_ context.Context, task tasks.ChatPurgeTask) error {
	return s.processor.Process(context.Background(), task)
}
