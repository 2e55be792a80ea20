// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"saha-ai-go/internal/model"
	"saha-ai-go/internal/repository"
	"saha-ai-go/pkg/llm"
	"saha-ai-go/pkg/log"
)

const (
	// DefaultChatTitle 是无法从消息推导标题时使用的标题。
	DefaultChatTitle = "New Chat"
	// DefaultTitleLength 是由首条消息截取标题时保留的字符数。
	DefaultTitleLength = 30
)

// ExchangeResult 是一次完整问答交换的结果。
type ExchangeResult struct {
	ChatID           string
	Created          bool
	UserMessage      *model.Message
	AssistantMessage *model.Message
}

// ChatOptions 配置 ChatService 的业务参数，零值字段使用默认值。
type ChatOptions struct {
	ContextLimit int
	TitleLength  int
	DefaultTitle string
}

// ChatService 定义了发送消息并获取模型回复的接口。
type ChatService interface {
	SendMessage(ctx context.Context, ownerID uint, chatID string, text string) (*ExchangeResult, error)
}

type chatService struct {
	chatRepo       repository.ChatRepository
	messageRepo    repository.MessageRepository
	contextBuilder ContextBuilder
	llmClient      llm.Client
	opts           ChatOptions
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	chatRepo repository.ChatRepository,
	messageRepo repository.MessageRepository,
	contextBuilder ContextBuilder,
	llmClient llm.Client,
	opts ChatOptions,
) ChatService {
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = DefaultContextLimit
	}
	if opts.TitleLength <= 0 {
		opts.TitleLength = DefaultTitleLength
	}
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = DefaultChatTitle
	}
	return &chatService{
		chatRepo:       chatRepo,
		messageRepo:    messageRepo,
		contextBuilder: contextBuilder,
		llmClient:      llmClient,
		opts:           opts,
	}
}

// SendMessage 追加用户消息，调用模型，再追加模型回复。
// 各步骤依次执行且不在事务中：模型调用失败时用户消息保留在历史中，不做回滚。
func (s *chatService) SendMessage(ctx context.Context, ownerID uint, chatID string, text string) (*ExchangeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "message", Message: "message must not be empty"}
	}

	// 1. 解析会话：指定了 chatID 则按所有者查找，否则由首条消息创建
	var (
		chat    *model.Chat
		created bool
		err     error
	)
	if chatID != "" {
		chat, err = s.resolveExistingChat(ctx, ownerID, chatID)
	} else {
		chat, err = s.createChatFromFirstMessage(ctx, ownerID, text)
		created = err == nil
	}
	if err != nil {
		return nil, err
	}

	// 2. 持久化用户消息
	userMsg, err := s.messageRepo.Append(ctx, chat.ID, model.SenderUser, text)
	if err != nil {
		return nil, storeErr("append user message", err)
	}

	// 3. 构建上下文窗口，刚写入的用户消息是最后一条
	window, err := s.contextBuilder.BuildContext(ctx, chat.ID, s.opts.ContextLimit)
	if err != nil {
		return nil, err
	}

	// 4. 调用模型
	reply, err := s.llmClient.Complete(ctx, window)
	if err != nil {
		log.Errorw("[ChatService] 调用模型失败，用户消息已保留", "chatID", chat.ID, "ownerID", ownerID, "error", err)
		return nil, &UpstreamError{ChatID: chat.ID, Cause: err}
	}

	// 5. 持久化模型回复
	aiMsg, err := s.messageRepo.Append(ctx, chat.ID, model.SenderAssistant, reply)
	if err != nil {
		return nil, storeErr("append assistant message", err)
	}

	// 6. 更新最近活跃时间，失败不影响本次交换
	if err := s.chatRepo.TouchLastActivity(ctx, chat.ID); err != nil {
		log.Warnw("[ChatService] 更新会话活跃时间失败", "chatID", chat.ID, "error", err)
	}

	return &ExchangeResult{
		ChatID:           chat.ID,
		Created:          created,
		UserMessage:      userMsg,
		AssistantMessage: aiMsg,
	}, nil
}

func (s *chatService) resolveExistingChat(ctx context.Context, ownerID uint, chatID string) (*model.Chat, error) {
	chat, err := s.chatRepo.FindByIDAndOwner(ctx, chatID, ownerID)
	if err != nil {
		return nil, wrapChatErr("find chat", err)
	}
	return chat, nil
}

func (s *chatService) createChatFromFirstMessage(ctx context.Context, ownerID uint, text string) (*model.Chat, error) {
	chat, err := s.chatRepo.Create(ctx, ownerID, DeriveTitle(text, s.opts.TitleLength, s.opts.DefaultTitle))
	if err != nil {
		return nil, storeErr("create chat", err)
	}
	log.Infof("[ChatService] 由首条消息创建会话, chatID: %s, ownerID: %d", chat.ID, ownerID)
	return chat, nil
}

// DeriveTitle 取去除首尾空白后的前 length 个字符作为标题，结果为空时返回 fallback。
func DeriveTitle(text string, length int, fallback string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > length {
		text = strings.TrimSpace(string([]rune(text)[:length]))
	}
	if text == "" {
		return fallback
	}
	return text
}
