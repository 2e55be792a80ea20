package service

import (
	"fmt"

	"saha-ai-go/internal/repository"
)

// ErrChatNotFound 表示会话不存在或不属于调用者。
var ErrChatNotFound = repository.ErrChatNotFound

// ValidationError 表示客户端可修正的输入错误，Message 可以直接返回给客户端。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UpstreamError 表示补全服务调用失败。原因只记录在服务端日志中。
type UpstreamError struct {
	ChatID string
	Cause  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion failed for chat %s: %v", e.ChatID, e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// StoreError 表示持久化层失败。
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Cause: err}
}
