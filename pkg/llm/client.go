// Package llm provides a client for OpenAI-compatible chat completion endpoints.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"saha-ai-go/internal/config"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client defines the completion gateway: an ordered role/content sequence in,
// a single reply out. It never retries.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// UpstreamError wraps any failure of the completion service: transport,
// authentication, rate limiting or a malformed response.
type UpstreamError struct {
	// StatusCode is the HTTP status returned by the provider, 0 when unknown.
	StatusCode int
	Message    string
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return "llm upstream error: " + e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

type openAIClient struct {
	cfg    config.LLMConfig
	client *openai.Client
}

// NewClient creates a completion client for the configured provider.
func NewClient(cfg config.LLMConfig) Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{}
	return &openAIClient{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Complete sends the conversation and returns the first choice's content.
func (c *openAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", &UpstreamError{Message: "empty message sequence"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages))
	if err != nil {
		return "", toUpstreamError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Message: "response contained no choices"}
	}
	reply := resp.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", &UpstreamError{Message: "response contained an empty reply"}
	}
	return reply, nil
}

func (c *openAIClient) buildRequest(messages []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if sys := strings.TrimSpace(c.cfg.Prompt.System); sys != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: RoleSystem, Content: sys})
	}
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: msgs,
	}
	// 生成参数只在非零时下发，保持服务端默认值
	if c.cfg.Generation.Temperature != 0 {
		req.Temperature = float32(c.cfg.Generation.Temperature)
	}
	if c.cfg.Generation.TopP != 0 {
		req.TopP = float32(c.cfg.Generation.TopP)
	}
	if c.cfg.Generation.MaxTokens != 0 {
		req.MaxTokens = c.cfg.Generation.MaxTokens
	}
	return req
}

func toUpstreamError(err error) *UpstreamError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Message: "request failed", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Message: "request timed out", Cause: err}
	}
	return &UpstreamError{Message: err.Error(), Cause: err}
}
