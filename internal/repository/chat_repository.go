// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"saha-ai-go/internal/model"
)

// ErrChatNotFound 表示会话不存在或不属于当前用户，两种情况对调用方不可区分。
var ErrChatNotFound = errors.New("chat not found")

// ChatRepository 定义了会话记录的持久化操作，所有读写都按所有者限定范围。
type ChatRepository interface {
	Create(ctx context.Context, ownerID uint, title string) (*model.Chat, error)
	FindByOwner(ctx context.Context, ownerID uint) ([]model.Chat, error)
	FindByIDAndOwner(ctx context.Context, chatID string, ownerID uint) (*model.Chat, error)
	Rename(ctx context.Context, chatID string, ownerID uint, title string) (*model.Chat, error)
	Delete(ctx context.Context, chatID string, ownerID uint) error
	TouchLastActivity(ctx context.Context, chatID string) error
}

type chatRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewChatRepository 创建一个新的 ChatRepository 实例。
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, now: time.Now}
}

// Create 创建一个新会话，最近活跃时间等于创建时间。
func (r *chatRepository) Create(ctx context.Context, ownerID uint, title string) (*model.Chat, error) {
	now := storeTime(r.now())
	chat := &model.Chat{
		ID:             uuid.NewString(),
		UserID:         ownerID,
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.db.WithContext(ctx).Create(chat).Error; err != nil {
		return nil, err
	}
	return chat, nil
}

// FindByOwner 返回用户的全部会话，最近活跃的排在前面。不分页。
func (r *chatRepository) FindByOwner(ctx context.Context, ownerID uint) ([]model.Chat, error) {
	chats := make([]model.Chat, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("last_activity_at DESC, id DESC").
		Find(&chats).Error
	return chats, err
}

// FindByIDAndOwner 按所有者查找会话。
func (r *chatRepository) FindByIDAndOwner(ctx context.Context, chatID string, ownerID uint) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatID, ownerID).
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// Rename 修改会话标题并返回更新后的记录。
func (r *chatRepository) Rename(ctx context.Context, chatID string, ownerID uint, title string) (*model.Chat, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Chat{}).
		Where("id = ? AND user_id = ?", chatID, ownerID).
		Update("title", title)
	if result.Error != nil {
		return nil, result.Error
	}
	// MySQL 在值未变化时 RowsAffected 为 0，因此不能据此判断是否存在，统一回读一次
	return r.FindByIDAndOwner(ctx, chatID, ownerID)
}

// Delete 只删除会话记录本身，消息由调用方随后清理。
func (r *chatRepository) Delete(ctx context.Context, chatID string, ownerID uint) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatID, ownerID).
		Delete(&model.Chat{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// TouchLastActivity 将会话的最近活跃时间更新为当前时间。
func (r *chatRepository) TouchLastActivity(ctx context.Context, chatID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Chat{}).
		Where("id = ?", chatID).
		Update("last_activity_at", storeTime(r.now()))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// storeTime 统一为 UTC 微秒精度，与 datetime(6) 列一致。
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
