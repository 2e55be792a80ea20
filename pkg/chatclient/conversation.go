package chatclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ApologyText 是发送失败时追加到本地记录中的助手消息。
const ApologyText = "Sorry, I encountered an error."

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

var (
	ErrSendInProgress = errors.New("chatclient: a message is already being sent")
	ErrEmptyMessage   = errors.New("chatclient: message must not be empty")
	ErrEmptyTitle     = errors.New("chatclient: title must not be empty")
	// ErrViewChanged 表示发送期间用户切换了会话，结果没有应用到当前记录。
	ErrViewChanged = errors.New("chatclient: view changed while sending, result discarded")
)

// State 是客户端会话的发送状态。
type State int

const (
	Idle State = iota
	Sending
	ReconcileSuccess
	ReconcileError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case ReconcileSuccess:
		return "reconcile-success"
	case ReconcileError:
		return "reconcile-error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entry 是当前可见记录中的一条。Confirmed 为 false 表示本地生成、未被服务端确认的条目。
type Entry struct {
	ID        string
	Sender    string
	Content   string
	Timestamp time.Time
	Confirmed bool
}

// Backend 是 Conversation 用到的服务端接口，*Client 实现了它。
type Backend interface {
	ListChats(ctx context.Context) ([]Chat, error)
	GetChat(ctx context.Context, chatID string) (*ChatDetail, error)
	SendMessage(ctx context.Context, chatID, text string) (*Exchange, error)
	RenameChat(ctx context.Context, chatID, title string) (*Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// TransitionFunc 在每次状态变化时被调用。它在持有内部锁时执行，不能回调 Conversation 的方法。
type TransitionFunc func(from, to State)

// Conversation 维护当前会话的可见记录、会话列表和发送状态。
//
// 同一时间最多一条消息在发送中；切换会话不受发送状态限制。每次发送都记录发起时的视图代数，
// 视图变化后返回的结果会被丢弃，不会写入新会话的记录。
type Conversation struct {
	backend  Backend
	observer TransitionFunc

	mu           sync.Mutex
	state        State
	activeChatID string
	transcript   []Entry
	chats        []Chat
	generation   uint64
	clock        func() time.Time
}

// ConversationOption 配置 Conversation。
type ConversationOption func(*Conversation)

// WithTransitionObserver 注册状态变化回调。
func WithTransitionObserver(fn TransitionFunc) ConversationOption {
	return func(c *Conversation) { c.observer = fn }
}

// NewConversation 创建一个处于空白新会话视图的 Conversation。
func NewConversation(backend Backend, opts ...ConversationOption) *Conversation {
	c := &Conversation{backend: backend, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State 返回当前状态。
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveChatID 返回当前会话 ID，新会话视图中为空。
func (c *Conversation) ActiveChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeChatID
}

// Transcript 返回当前可见记录的副本。
func (c *Conversation) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.transcript...)
}

// Chats 返回最近一次刷新得到的会话列表。
func (c *Conversation) Chats() []Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Chat(nil), c.chats...)
}

// RefreshChats 从服务端重新加载会话列表。
func (c *Conversation) RefreshChats(ctx context.Context) error {
	chats, err := c.backend.ListChats(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()
	return nil
}

// NewChat 切换到空白的新会话视图。会话要等第一条消息发送后才在服务端创建。
func (c *Conversation) NewChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.activeChatID = ""
	c.transcript = nil
}

// SelectChat 切换到指定会话并加载其历史。加载期间如果再次切换，本次结果被丢弃。
func (c *Conversation) SelectChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.activeChatID = chatID
	c.transcript = nil
	c.mu.Unlock()

	detail, err := c.backend.GetChat(ctx, chatID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return nil
	}
	if err != nil {
		return err
	}
	history := make([]Entry, 0, len(detail.Messages)+len(c.transcript))
	loaded := make(map[string]struct{}, len(detail.Messages))
	for _, m := range detail.Messages {
		history = append(history, confirmedEntry(m))
		loaded[m.ID] = struct{}{}
	}
	// 加载期间已经提交的本地条目排在历史之后；已确认且包含在历史中的条目不再重复
	for _, e := range c.transcript {
		if _, ok := loaded[e.ID]; e.Confirmed && ok {
			continue
		}
		history = append(history, e)
	}
	c.transcript = history
	return nil
}

// Submit 发送一条消息。
//
// 发送前立即在记录末尾追加一条未确认的用户条目。成功时用服务端返回的两条消息替换它；
// 失败时保留它并追加 ApologyText，返回原始错误。发送中再次调用返回 ErrSendInProgress。
func (c *Conversation) Submit(ctx context.Context, text string) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state == Sending {
		c.mu.Unlock()
		return nil, ErrSendInProgress
	}
	gen := c.generation
	chatID := c.activeChatID
	c.transcript = append(c.transcript, Entry{
		Sender:    SenderUser,
		Content:   text,
		Timestamp: c.clock(),
	})
	c.transition(Sending)
	c.mu.Unlock()

	ex, sendErr := c.backend.SendMessage(ctx, chatID, text)

	c.mu.Lock()
	stale := gen != c.generation
	created := false
	switch {
	case sendErr != nil:
		c.transition(ReconcileError)
		if !stale {
			c.transcript = append(c.transcript, Entry{
				Sender:    SenderAssistant,
				Content:   ApologyText,
				Timestamp: c.clock(),
			})
		}
	default:
		c.transition(ReconcileSuccess)
		created = ex.AIMsg.ChatID != "" && ex.AIMsg.ChatID != chatID
		if !stale {
			c.replaceLastUnconfirmed(confirmedEntry(ex.UserMsg), confirmedEntry(ex.AIMsg))
			if created {
				c.activeChatID = ex.AIMsg.ChatID
			}
		}
	}
	c.transition(Idle)
	c.mu.Unlock()

	// 新建了会话时刷新列表，即使结果已被丢弃，新会话也需要出现在列表中
	if created {
		if err := c.RefreshChats(ctx); err != nil && sendErr == nil && !stale {
			return ex, fmt.Errorf("refresh chats: %w", err)
		}
	}

	if stale {
		if sendErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrViewChanged, sendErr)
		}
		return ex, ErrViewChanged
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return ex, nil
}

// RenameChat 重命名会话并刷新列表。
func (c *Conversation) RenameChat(ctx context.Context, chatID, title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrEmptyTitle
	}
	if _, err := c.backend.RenameChat(ctx, chatID, title); err != nil {
		return err
	}
	return c.RefreshChats(ctx)
}

// DeleteChat 删除会话。删除的是当前会话时切换到新会话视图。
func (c *Conversation) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.backend.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	if c.ActiveChatID() == chatID {
		c.NewChat()
	}
	return c.RefreshChats(ctx)
}

// replaceLastUnconfirmed 删除最近一条未确认的用户条目，并在末尾追加 entries。调用方需持有锁。
func (c *Conversation) replaceLastUnconfirmed(entries ...Entry) {
	for i := len(c.transcript) - 1; i >= 0; i-- {
		e := c.transcript[i]
		if !e.Confirmed && e.Sender == SenderUser {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
			break
		}
	}
	c.transcript = append(c.transcript, entries...)
}

// transition 切换状态并通知观察者。调用方需持有锁。
func (c *Conversation) transition(to State) {
	from := c.state
	c.state = to
	if c.observer != nil {
		c.observer(from, to)
	}
}

func confirmedEntry(m Message) Entry {
	return Entry{
		ID:        m.ID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Confirmed: true,
	}
}
