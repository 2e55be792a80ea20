// Package chatclient 是会话服务 REST 接口的 Go 客户端，并提供客户端侧的会话状态机。
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Chat 是服务端返回的会话。
type Chat struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Message 是服务端返回的一条已持久化消息。
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatDetail 是会话及其全部消息。
type ChatDetail struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}

// Exchange 是一次发送消息的结果，AIMsg.ChatID 为解析或新建的会话 ID。
type Exchange struct {
	UserMsg Message `json:"userMsg"`
	AIMsg   Message `json:"aiMsg"`
}

// Tokens 是登录或刷新后签发的 token。
type Tokens struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Profile 是当前用户的信息。
type Profile struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIError 表示服务端返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsStatus 报告 err 是否为指定状态码的 APIError。
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client 是 REST 接口的类型化封装，可并发使用。
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option 配置 Client。
type Option func(*Client)

// WithHTTPClient 替换默认的 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient 创建一个客户端，baseURL 形如 http://localhost:8080。
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		// 模型调用最长 60 秒，这里留出余量
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken 设置后续请求使用的 access token，空字符串表示未登录。
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token 返回当前的 access token。
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// envelope 是用户和认证接口使用的 {code, message, data} 响应体。
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) Register(ctx context.Context, username, password string) (*Profile, error) {
	var p Profile
	err := c.doEnvelope(ctx, http.MethodPost, "/users/register", map[string]string{"username": username, "password": password}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*Tokens, error) {
	var t Tokens
	err := c.doEnvelope(ctx, http.MethodPost, "/users/login", map[string]string{"username": username, "password": password}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.doEnvelope(ctx, http.MethodGet, "/users/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doEnvelope(ctx, http.MethodPost, "/users/logout", nil, nil)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var t Tokens
	err := c.doEnvelope(ctx, http.MethodPost, "/auth/refreshToken", map[string]string{"refreshToken": refreshToken}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListChats 返回当前用户的会话，最近活跃的在前。
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := c.do(ctx, http.MethodGet, "/chat/all", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatDetail, error) {
	var d ChatDetail
	if err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) CreateChat(ctx context.Context, title string) (*Chat, error) {
	var chat Chat
	if err := c.do(ctx, http.MethodPost, "/chat/create", map[string]string{"title": title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SendMessage 发送一条消息，chatID 为空时由服务端创建新会话。
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*Exchange, error) {
	body := map[string]string{"message": text}
	if chatID != "" {
		body["chatId"] = chatID
	}
	var ex Exchange
	if err := c.do(ctx, http.MethodPost, "/chat/message", body, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

func (c *Client) RenameChat(ctx context.Context, chatID, title string) (*Chat, error) {
	var chat Chat
	if err := c.do(ctx, http.MethodPut, "/chat/"+url.PathEscape(chatID), map[string]string{"title": title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/"+url.PathEscape(chatID), nil, nil)
}

func (c *Client) doEnvelope(ctx context.Context, method, path string, in, out interface{}) error {
	var env envelope
	if err := c.do(ctx, method, path, in, &env); err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
