// Package model 包含了应用的数据模型定义。
package model

import "time"

// Sender 表示消息的发送方角色。
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Valid 报告 sender 是否为受支持的角色。
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// Chat 是一个属于单个用户的具名会话，持有一份按时间排序的消息记录。
type Chat struct {
	ID     string `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID uint   `gorm:"index;not null" json:"userId"`
	Title  string `gorm:"type:varchar(255);not null" json:"title"`

	CreatedAt time.Time `gorm:"precision:6;not null" json:"createdAt"`
	// LastActivityAt 每次追加消息后更新，会话列表按它倒序排列。重命名不会修改它。
	LastActivityAt time.Time `gorm:"precision:6;index;not null" json:"lastActivityAt"`
}

func (Chat) TableName() string {
	return "chats"
}

// Message 是会话中的一轮发言，创建后不可修改。
type Message struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChatID    string    `gorm:"type:varchar(36);index:idx_messages_chat_created,priority:1;not null" json:"chatId"`
	Sender    Sender    `gorm:"type:varchar(16);not null" json:"sender"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"precision:6;index:idx_messages_chat_created,priority:2;not null" json:"timestamp"`
}

func (Message) TableName() string {
	return "messages"
}
