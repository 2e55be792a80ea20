package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"saha-ai-go/internal/model"
)

// ErrEmptyContent 表示尝试追加一条空消息。
var ErrEmptyContent = errors.New("message content must not be empty")

// 只有所属会话仍然存在的消息才对读路径可见，删除一半失败留下的孤儿消息因此不会被读到。
const chatExistsClause = "EXISTS (SELECT 1 FROM chats WHERE chats.id = messages.chat_id)"

// MessageRepository 定义了消息的持久化操作。消息只追加、不修改。
type MessageRepository interface {
	Append(ctx context.Context, chatID string, sender model.Sender, content string) (*model.Message, error)
	FindByChatID(ctx context.Context, chatID string) ([]model.Message, error)
	FindRecent(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	DeleteByChatID(ctx context.Context, chatID string) (int64, error)
	DeleteOrphans(ctx context.Context, chatID string) (int64, error)
}

type messageRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db, now: time.Now}
}

// Append 追加一条消息。时间戳在追加时分配，并保证严格晚于该会话当前最新的一条消息。
// 同一会话的并发追加不做互斥，最终顺序取决于存储的写入顺序。
func (r *messageRepository) Append(ctx context.Context, chatID string, sender model.Sender, content string) (*model.Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !sender.Valid() {
		return nil, errors.New("invalid message sender: " + string(sender))
	}

	var latest []model.Message
	err := r.db.WithContext(ctx).
		Select("created_at").
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		return nil, err
	}

	ts := storeTime(r.now())
	if len(latest) > 0 && !ts.After(latest[0].CreatedAt) {
		ts = latest[0].CreatedAt.UTC().Add(time.Microsecond)
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Sender:    sender,
		Content:   content,
		CreatedAt: ts,
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// FindByChatID 按时间升序返回会话的全部消息。
func (r *messageRepository) FindByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	messages := make([]model.Message, 0)
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Where(chatExistsClause).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// FindRecent 返回最近的 limit 条消息，结果按时间升序排列。
func (r *messageRepository) FindRecent(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	messages := make([]model.Message, 0, limit)
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Where(chatExistsClause).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteByChatID 删除会话下的所有消息，返回删除的条数。
func (r *messageRepository) DeleteByChatID(ctx context.Context, chatID string) (int64, error) {
	result := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&model.Message{})
	return result.RowsAffected, result.Error
}

// DeleteOrphans 仅当会话记录已不存在时删除其消息。
func (r *messageRepository) DeleteOrphans(ctx context.Context, chatID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Where("NOT " + chatExistsClause).
		Delete(&model.Message{})
	return result.RowsAffected, result.Error
}
