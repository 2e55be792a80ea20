package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"saha-ai-go/internal/config"
	"saha-ai-go/internal/model"
	"saha-ai-go/internal/repository"
	"saha-ai-go/internal/service"
	"saha-ai-go/pkg/chatclient"
	"saha-ai-go/pkg/database"
	"saha-ai-go/pkg/llm"
	"saha-ai-go/pkg/token"
)

type stubLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	started chan struct{}
	gate    chan struct{}
}

func (s *stubLLM) Complete(ctx context.Context, _ []llm.Message) (string, error) {
	s.mu.Lock()
	reply, err, started, gate := s.reply, s.err, s.started, s.gate
	s.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (s *stubLLM) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// pause 让下一次调用阻塞，started 在调用开始时收到通知，release 放行并恢复正常。
func (s *stubLLM) pause() (started <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, gate := make(chan struct{}, 1), make(chan struct{})
	s.started, s.gate = ch, gate
	return ch, func() {
		s.mu.Lock()
		s.started, s.gate = nil, nil
		s.mu.Unlock()
		close(gate)
	}
}

type memoryBlacklist struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

func (b *memoryBlacklist) Add(_ context.Context, tok string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens == nil {
		b.tokens = map[string]struct{}{}
	}
	b.tokens[tok] = struct{}{}
	return nil
}

func (b *memoryBlacklist) Contains(_ context.Context, tok string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tokens[tok]
	return ok, nil
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	llm    *stubLLM
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	stub := &stubLLM{reply: "Hi! How can I help?"}
	jwtManager := token.NewJWTManager("test-secret", 1, 1)

	router := NewRouter(jwtManager, Services{
		User:         service.NewUserService(repository.NewUserRepository(db), &memoryBlacklist{}, jwtManager),
		Chat:         service.NewChatService(chats, messages, service.NewContextBuilder(messages, 10), stub, service.ChatOptions{}),
		Conversation: service.NewConversationService(chats, messages, nil, ""),
	})
	return &testServer{t: t, router: router, llm: stub}
}

func (s *testServer) do(method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// login 注册并登录一个用户，返回 access token。
func (s *testServer) login(username string) string {
	s.t.Helper()
	creds := map[string]string{"username": username, "password": "pw-" + username}
	w := s.do(http.MethodPost, "/api/v1/users/register", "", creds)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/users/login", "", creds)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data service.TokenPair `json:"data"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(s.t, resp.Data.AccessToken)
	return resp.Data.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestChatRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/chat/all"},
		{http.MethodGet, "/api/v1/chat/abc"},
		{http.MethodPost, "/api/v1/chat/create"},
		{http.MethodPost, "/api/v1/chat/message"},
		{http.MethodPut, "/api/v1/chat/abc"},
		{http.MethodDelete, "/api/v1/chat/abc"},
	} {
		w := s.do(tc.method, tc.path, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
		require.Equal(t, http.StatusUnauthorized, decode[errorBody](t, w).Code)

		w = s.do(tc.method, tc.path, "not-a-jwt", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestSendMessageFlow(t *testing.T) {
	s := newTestServer(t)
	tok := s.login("alice")

	w := s.do(http.MethodPost, "/api/v1/chat/message", tok, map[string]string{
		"message": "Hello there, how are you today please",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ex := decode[SendMessageResponse](t, w)
	require.Equal(t, model.SenderUser, ex.UserMsg.Sender)
	require.Equal(t, model.SenderAssistant, ex.AIMsg.Sender)
	require.Equal(t, "Hi! How can I help?", ex.AIMsg.Content)
	chatID := ex.AIMsg.ChatID
	require.NotEmpty(t, chatID)
	require.Equal(t, chatID, ex.UserMsg.ChatID)

	w = s.do(http.MethodPost, "/api/v1/chat/message", tok, map[string]string{"message": "and again", "chatId": chatID})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/chat/all", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	chats := decode[[]model.Chat](t, w)
	require.Len(t, chats, 1)
	require.Equal(t, "Hello there, how are you today", chats[0].Title)

	w = s.do(http.MethodGet, "/api/v1/chat/"+chatID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[service.ChatDetail](t, w)
	require.Equal(t, chatID, detail.Chat.ID)
	require.Len(t, detail.Messages, 4)
	require.Equal(t, "and again", detail.Messages[2].Content)
}

func TestSendMessageErrors(t *testing.T) {
	s := newTestServer(t)
	alice := s.login("alice")
	bob := s.login("bob")

	w := s.do(http.MethodPost, "/api/v1/chat/message", alice, map[string]string{"message": "   "})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/chat/message", alice, map[string]string{"message": "hi", "chatId": "missing"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/v1/chat/message", alice, map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	chatID := decode[SendMessageResponse](t, w).AIMsg.ChatID

	// 其他用户的会话与不存在的会话无法区分
	w = s.do(http.MethodPost, "/api/v1/chat/message", bob, map[string]string{"message": "hi", "chatId": chatID})
	require.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodGet, "/api/v1/chat/"+chatID, bob, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	s.llm.fail(&llm.UpstreamError{StatusCode: 401, Message: "invalid api key sk-secret"})
	w = s.do(http.MethodPost, "/api/v1/chat/message", alice, map[string]string{"message": "boom", "chatId": chatID})
	require.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[errorBody](t, w)
	require.Equal(t, http.StatusBadGateway, body.Code)
	require.NotContains(t, body.Message, "sk-secret")

	// 用户消息已保存，没有回复
	w = s.do(http.MethodGet, "/api/v1/chat/"+chatID, alice, nil)
	detail := decode[service.ChatDetail](t, w)
	require.Len(t, detail.Messages, 3)
	require.Equal(t, "boom", detail.Messages[2].Content)

	w = s.do(http.MethodPost, "/api/v1/chat/message", alice, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRenameDelete(t *testing.T) {
	s := newTestServer(t)
	tok := s.login("alice")

	w := s.do(http.MethodPost, "/api/v1/chat/create", tok, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	chat := decode[model.Chat](t, w)
	require.Equal(t, "New Chat", chat.Title)

	w = s.do(http.MethodPost, "/api/v1/chat/create", tok, map[string]string{"title": "Planning"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "Planning", decode[model.Chat](t, w).Title)

	w = s.do(http.MethodPut, "/api/v1/chat/"+chat.ID, tok, map[string]string{"title": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPut, "/api/v1/chat/"+chat.ID, tok, map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Renamed", decode[model.Chat](t, w).Title)

	w = s.do(http.MethodPut, "/api/v1/chat/missing", tok, map[string]string{"title": "x"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodDelete, "/api/v1/chat/"+chat.ID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"message":"Chat deleted"}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/chat/"+chat.ID, tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodDelete, "/api/v1/chat/"+chat.ID, tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserRoutes(t *testing.T) {
	s := newTestServer(t)
	tok := s.login("carol")

	w := s.do(http.MethodPost, "/api/v1/users/register", "", map[string]string{"username": "carol", "password": "x"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/users/login", "", map[string]string{"username": "carol", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/users/login", "", map[string]string{"username": "carol"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/users/me", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[struct {
		Data ProfileResponse `json:"data"`
	}](t, w)
	require.Equal(t, "carol", me.Data.Username)

	w = s.do(http.MethodPost, "/api/v1/users/logout", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// 登出后 token 失效
	w = s.do(http.MethodGet, "/api/v1/users/me", tok, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshTokenRoute(t *testing.T) {
	s := newTestServer(t)
	creds := map[string]string{"username": "dave", "password": "pw"}
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/users/register", "", creds).Code)
	w := s.do(http.MethodPost, "/api/v1/users/login", "", creds)
	pair := decode[struct {
		Data service.TokenPair `json:"data"`
	}](t, w).Data

	w = s.do(http.MethodPost, "/api/v1/auth/refreshToken", "", map[string]string{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fresh := decode[struct {
		Data service.TokenPair `json:"data"`
	}](t, w).Data
	require.NotEmpty(t, fresh.AccessToken)

	// refresh token 不能当 access token 使用
	w = s.do(http.MethodGet, "/api/v1/users/me", fresh.RefreshToken, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auth/refreshToken", "", map[string]string{"refreshToken": "garbage"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

// 客户端 Conversation 直接跑在真实的路由、服务和 sqlite 存储上。
func TestConversationClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	tok := s.login("alice")
	client := chatclient.NewClient(srv.URL)
	client.SetToken(tok)

	// seed 生成一个有 3 条消息的会话：一次成功的交换加一条没有回复的用户消息
	seed := func(first string) string {
		ex, err := client.SendMessage(ctx, "", first)
		require.NoError(t, err)
		s.llm.fail(&llm.UpstreamError{StatusCode: 500, Message: "overloaded"})
		_, err = client.SendMessage(ctx, ex.AIMsg.ChatID, "unanswered")
		require.True(t, chatclient.IsStatus(err, http.StatusBadGateway))
		s.llm.fail(nil)
		return ex.AIMsg.ChatID
	}

	conv := chatclient.NewConversation(client)

	t.Run("success", func(t *testing.T) {
		chatID := seed("first question")
		require.NoError(t, conv.SelectChat(ctx, chatID))
		require.Len(t, conv.Transcript(), 3)

		started, release := s.llm.pause()
		done := make(chan error, 1)
		go func() {
			_, err := conv.Submit(ctx, "third question")
			done <- err
		}()
		<-started

		// 发送中：历史加一条未确认的回显
		tr := conv.Transcript()
		require.Len(t, tr, 4)
		require.Equal(t, "third question", tr[3].Content)
		require.False(t, tr[3].Confirmed)
		require.Equal(t, chatclient.Sending, conv.State())

		release()
		require.NoError(t, <-done)
		tr = conv.Transcript()
		require.Len(t, tr, 5)
		for _, e := range tr {
			require.True(t, e.Confirmed)
		}
		require.Equal(t, "third question", tr[3].Content)
		require.Equal(t, "Hi! How can I help?", tr[4].Content)
		require.Equal(t, chatclient.Idle, conv.State())
	})

	t.Run("llm failure", func(t *testing.T) {
		chatID := seed("other question")
		require.NoError(t, conv.SelectChat(ctx, chatID))
		require.Len(t, conv.Transcript(), 3)

		s.llm.fail(&llm.UpstreamError{StatusCode: 503, Message: "unavailable"})
		defer s.llm.fail(nil)
		_, err := conv.Submit(ctx, "will fail")
		require.True(t, chatclient.IsStatus(err, http.StatusBadGateway))
		require.Equal(t, chatclient.Idle, conv.State())

		tr := conv.Transcript()
		require.Len(t, tr, 5)
		require.Equal(t, "will fail", tr[3].Content)
		require.False(t, tr[3].Confirmed)
		require.Equal(t, chatclient.SenderAssistant, tr[4].Sender)
		require.Equal(t, chatclient.ApologyText, tr[4].Content)
		require.False(t, tr[4].Confirmed)

		// 服务端只保存了用户消息，没有道歉回复
		w := s.do(http.MethodGet, "/api/v1/chat/"+chatID, tok, nil)
		require.Equal(t, http.StatusOK, w.Code)
		detail := decode[service.ChatDetail](t, w)
		require.Len(t, detail.Messages, 4)
		require.Equal(t, model.SenderUser, detail.Messages[3].Sender)
		require.Equal(t, "will fail", detail.Messages[3].Content)

		// 重新加载后本地的回显和道歉都被服务端记录取代
		require.NoError(t, conv.SelectChat(ctx, chatID))
		tr = conv.Transcript()
		require.Len(t, tr, 4)
		require.True(t, tr[3].Confirmed)
	})
}

func TestRespondErrorHidesStoreCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, "test", &service.StoreError{Op: "append", Cause: errors.New("dsn=root:password@tcp")})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "password")
}
