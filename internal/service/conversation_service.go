package service

import (
	"context"
	"errors"
	"strings"

	"saha-ai-go/internal/model"
	"saha-ai-go/internal/repository"
	"saha-ai-go/pkg/log"
	"saha-ai-go/pkg/tasks"
)

// PurgeScheduler 接收级联删除后半段失败时的补偿清理任务。
type PurgeScheduler interface {
	SchedulePurge(ctx context.Context, task tasks.ChatPurgeTask) error
}

// ChatDetail 是会话及其全部消息。
type ChatDetail struct {
	Chat     *model.Chat     `json:"chat"`
	Messages []model.Message `json:"messages"`
}

// ConversationService 定义了会话管理（列表、详情、创建、重命名、删除）的接口。
type ConversationService interface {
	ListChats(ctx context.Context, ownerID uint) ([]model.Chat, error)
	GetChat(ctx context.Context, ownerID uint, chatID string) (*ChatDetail, error)
	CreateChat(ctx context.Context, ownerID uint, title string) (*model.Chat, error)
	RenameChat(ctx context.Context, ownerID uint, chatID, title string) (*model.Chat, error)
	DeleteChat(ctx context.Context, ownerID uint, chatID string) error
}

type conversationService struct {
	chatRepo     repository.ChatRepository
	messageRepo  repository.MessageRepository
	purger       PurgeScheduler
	defaultTitle string
}

// NewConversationService 创建一个新的 ConversationService。purger 可以为 nil，此时清理失败只记录日志。
func NewConversationService(chatRepo repository.ChatRepository, messageRepo repository.MessageRepository, purger PurgeScheduler, defaultTitle string) ConversationService {
	if defaultTitle == "" {
		defaultTitle = DefaultChatTitle
	}
	return &conversationService{
		chatRepo:     chatRepo,
		messageRepo:  messageRepo,
		purger:       purger,
		defaultTitle: defaultTitle,
	}
}

// ListChats 返回用户的全部会话，最近活跃的在前。
func (s *conversationService) ListChats(ctx context.Context, ownerID uint) ([]model.Chat, error) {
	chats, err := s.chatRepo.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeErr("list chats", err)
	}
	return chats, nil
}

// GetChat 返回会话及按时间升序排列的全部消息。
func (s *conversationService) GetChat(ctx context.Context, ownerID uint, chatID string) (*ChatDetail, error) {
	chat, err := s.chatRepo.FindByIDAndOwner(ctx, chatID, ownerID)
	if err != nil {
		return nil, wrapChatErr("get chat", err)
	}
	messages, err := s.messageRepo.FindByChatID(ctx, chat.ID)
	if err != nil {
		return nil, storeErr("get messages", err)
	}
	return &ChatDetail{Chat: chat, Messages: messages}, nil
}

// CreateChat 创建一个空会话，标题为空时使用默认标题。
func (s *conversationService) CreateChat(ctx context.Context, ownerID uint, title string) (*model.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = s.defaultTitle
	}
	chat, err := s.chatRepo.Create(ctx, ownerID, title)
	if err != nil {
		return nil, storeErr("create chat", err)
	}
	return chat, nil
}

// RenameChat 修改会话标题，不改变会话的最近活跃时间。
func (s *conversationService) RenameChat(ctx context.Context, ownerID uint, chatID, title string) (*model.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "title must not be empty"}
	}
	chat, err := s.chatRepo.Rename(ctx, chatID, ownerID, title)
	if err != nil {
		return nil, wrapChatErr("rename chat", err)
	}
	return chat, nil
}

// DeleteChat 先删除会话记录，再删除其消息。两步之间没有事务：
// 会话记录删除成功即视为删除成功，消息删除失败时投递一个清理任务。
func (s *conversationService) DeleteChat(ctx context.Context, ownerID uint, chatID string) error {
	if err := s.chatRepo.Delete(ctx, chatID, ownerID); err != nil {
		return wrapChatErr("delete chat", err)
	}

	n, err := s.messageRepo.DeleteByChatID(ctx, chatID)
	if err == nil {
		log.Infof("[ConversationService] 会话已删除, chatID: %s, 删除消息 %d 条", chatID, n)
		return nil
	}

	log.Errorw("会话已删除但消息清理失败，消息成为孤儿数据", "chatID", chatID, "ownerID", ownerID, "error", err)
	if s.purger == nil {
		return nil
	}
	task := tasks.ChatPurgeTask{ChatID: chatID, OwnerID: ownerID}
	if perr := s.purger.SchedulePurge(ctx, task); perr != nil {
		log.Errorw("投递孤儿消息清理任务失败", "chatID", chatID, "error", perr)
	}
	return nil
}

// wrapChatErr 保留 ErrChatNotFound，其它错误包装为 StoreError。
func wrapChatErr(op string, err error) error {
	if errors.Is(err, repository.ErrChatNotFound) {
		return ErrChatNotFound
	}
	return storeErr(op, err)
}
