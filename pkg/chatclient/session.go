package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore 持久化登录 token。
type TokenStore interface {
	Load() (Tokens, error)
	Save(tokens Tokens) error
	Clear() error
}

// FileTokenStore 将 token 以 JSON 保存在本地文件中，权限 0600。
type FileTokenStore struct {
	Path string
}

// DefaultTokenPath 返回用户配置目录下的 token 文件路径。
func DefaultTokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "saha-ai", "token"), nil
}

func (s FileTokenStore) Load() (Tokens, error) {
	var t Tokens
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return Tokens{}, fmt.Errorf("parse token file %s: %w", s.Path, err)
	}
	return t, nil
}

func (s FileTokenStore) Save(tokens Tokens) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, b, 0o600)
}

func (s FileTokenStore) Clear() error {
	err := os.Remove(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryTokenStore 只在进程内保存 token。
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens Tokens
}

func (s *MemoryTokenStore) Load() (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens, nil
}

func (s *MemoryTokenStore) Save(tokens Tokens) error {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	return s.Save(Tokens{})
}

// Session 管理进程级的登录态：启动时从 TokenStore 恢复 token 并向服务端校验，
// 登录成功后持久化，登出时同时通知服务端并清除本地 token。
type Session struct {
	client *Client
	store  TokenStore

	mu      sync.Mutex
	profile *Profile
}

// NewSession 创建一个会话，token 会被设置到 client 上。
func NewSession(client *Client, store TokenStore) *Session {
	return &Session{client: client, store: store}
}

// Init 恢复保存的 token 并校验。access token 被拒绝时用 refresh token 换取新的一对；
// 仍然失败则清除本地 token，返回 (false, nil)。
func (s *Session) Init(ctx context.Context) (bool, error) {
	tokens, err := s.store.Load()
	if err != nil {
		return false, fmt.Errorf("load token: %w", err)
	}
	if tokens.AccessToken == "" {
		return false, nil
	}

	s.client.SetToken(tokens.AccessToken)
	profile, err := s.client.Me(ctx)
	if IsStatus(err, http.StatusUnauthorized) {
		profile, err = s.refresh(ctx, tokens.RefreshToken)
	}
	if err != nil {
		if IsStatus(err, http.StatusUnauthorized) {
			s.clear()
			return false, nil
		}
		return false, err
	}
	s.setProfile(profile)
	return true, nil
}

// refresh 换取新 token 并保存，返回刷新后的用户信息。
func (s *Session) refresh(ctx context.Context, refreshToken string) (*Profile, error) {
	if refreshToken == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Message: "no refresh token"}
	}
	fresh, err := s.client.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	s.client.SetToken(fresh.AccessToken)
	if err := s.store.Save(*fresh); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	return s.client.Me(ctx)
}

// Login 登录并保存 access token 与 refresh token。
func (s *Session) Login(ctx context.Context, username, password string) (*Profile, error) {
	tokens, err := s.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	s.client.SetToken(tokens.AccessToken)
	if err := s.store.Save(*tokens); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	profile, err := s.client.Me(ctx)
	if err != nil {
		return nil, err
	}
	s.setProfile(profile)
	return profile, nil
}

// Logout 通知服务端作废 token 并清除本地登录态。服务端调用失败时本地状态仍会被清除。
func (s *Session) Logout(ctx context.Context) error {
	var err error
	if s.client.Token() != "" {
		err = s.client.Logout(ctx)
	}
	s.clear()
	return err
}

// Profile 返回当前登录用户，未登录时为 nil。
func (s *Session) Profile() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Authenticated 报告当前是否持有 token。
func (s *Session) Authenticated() bool {
	return s.client.Token() != ""
}

func (s *Session) setProfile(p *Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

func (s *Session) clear() {
	s.client.SetToken("")
	_ = s.store.Clear()
	s.setProfile(nil)
}
