package service

import (
	"context"

	"saha-ai-go/internal/model"
	"saha-ai-go/internal/repository"
	"saha-ai-go/pkg/llm"
)

// DefaultContextLimit 是未配置时提交给模型的历史消息条数。
const DefaultContextLimit = 10

// ContextBuilder 从会话历史中选取提交给模型的上下文窗口。
type ContextBuilder interface {
	BuildContext(ctx context.Context, chatID string, limit int) ([]llm.Message, error)
}

type contextBuilder struct {
	messageRepo  repository.MessageRepository
	defaultLimit int
}

// NewContextBuilder 创建一个 ContextBuilder，defaultLimit <= 0 时使用 DefaultContextLimit。
func NewContextBuilder(messageRepo repository.MessageRepository, defaultLimit int) ContextBuilder {
	if defaultLimit <= 0 {
		defaultLimit = DefaultContextLimit
	}
	return &contextBuilder{messageRepo: messageRepo, defaultLimit: defaultLimit}
}

// BuildContext 返回最近 limit 条消息，按时间从旧到新排列，最后一条总是最新的消息。
// 超出窗口的旧消息只是不进入上下文，存储中保持不变。
func (b *contextBuilder) BuildContext(ctx context.Context, chatID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = b.defaultLimit
	}
	history, err := b.messageRepo.FindRecent(ctx, chatID, limit)
	if err != nil {
		return nil, storeErr("load context", err)
	}

	window := make([]llm.Message, 0, len(history))
	for _, m := range history {
		window = append(window, llm.Message{Role: roleFor(m.Sender), Content: m.Content})
	}
	return window, nil
}

func roleFor(sender model.Sender) string {
	if sender == model.SenderAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}
