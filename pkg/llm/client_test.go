package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"saha-ai-go/internal/config"
)

// mockServer 模拟 OpenAI 兼容的 /chat/completions 接口，并记录最后一次请求。
func mockServer(t *testing.T, handler func(w http.ResponseWriter, req openai.ChatCompletionRequest)) (*httptest.Server, *openai.ChatCompletionRequest) {
	t.Helper()
	var last openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		w.Header().Set("Content-Type", "application/json")
		handler(w, last)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func reply(w http.ResponseWriter, content string) {
	resp := openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "test-model",
	}
	if content != "\x00" {
		resp.Choices = []openai.ChatCompletionChoice{{
			Index:   0,
			Message: openai.ChatCompletionMessage{Role: RoleAssistant, Content: content},
		}}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(baseURL, system string) Client {
	return NewClient(config.LLMConfig{
		APIKey:         "test-key",
		BaseURL:        baseURL + "/",
		Model:          "test-model",
		TimeoutSeconds: 5,
		Generation:     config.LLMGenerationConfig{Temperature: 0.5},
		Prompt:         config.LLMPromptConfig{System: system},
	})
}

func TestComplete_Success(t *testing.T) {
	srv, last := mockServer(t, func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
		reply(w, "Hi! How can I help?")
	})
	c := newTestClient(srv.URL, "")

	got, err := c.Complete(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hey"},
		{Role: RoleUser, Content: "how are you"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi! How can I help?", got)

	require.Equal(t, "test-model", last.Model)
	require.InDelta(t, 0.5, last.Temperature, 1e-6)
	require.Len(t, last.Messages, 3)
	require.Equal(t, RoleUser, last.Messages[0].Role)
	require.Equal(t, "how are you", last.Messages[2].Content)
}

func TestComplete_PrependsSystemPrompt(t *testing.T) {
	srv, last := mockServer(t, func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
		reply(w, "ok")
	})
	c := newTestClient(srv.URL, "You are terse.")

	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Len(t, last.Messages, 2)
	require.Equal(t, RoleSystem, last.Messages[0].Role)
	require.Equal(t, "You are terse.", last.Messages[0].Content)
}

func TestComplete_UpstreamStatus(t *testing.T) {
	srv, _ := mockServer(t, func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	})
	c := newTestClient(srv.URL, "")

	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	require.Equal(t, "rate limited", upErr.Message)
}

func TestComplete_MalformedResponses(t *testing.T) {
	for name, content := range map[string]string{
		"no choices":  "\x00",
		"empty reply": "   ",
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := mockServer(t, func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
				reply(w, content)
			})
			_, err := newTestClient(srv.URL, "").Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
			var upErr *UpstreamError
			require.True(t, errors.As(err, &upErr))
			require.Zero(t, upErr.StatusCode)
		})
	}
}

func TestComplete_EmptySequence(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1", "").Complete(context.Background(), nil)
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
}

func TestComplete_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, "").Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	require.Error(t, upErr.Unwrap())
}
