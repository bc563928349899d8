package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qwenbridge/qwenbridge/internal/openai"
)

func TestSendChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openai.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Stream)
		assert.False(t, *req.Stream)

		_ = json.NewEncoder(w).Encode(openai.Completion{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openai.CompletionChoice{{
				Message:      openai.CompletionMessage{Role: openai.RoleAssistant, Content: "hello there"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "sk-test")
	reply, err := c.SendChat(
		[]openai.Message{{Role: openai.RoleUser, Content: openai.TextContent("hi")}},
		ChatOptions{Model: "qwen-max", UseStreaming: false},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)
}

func TestSendChatStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			`data: {"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}` + "\n\n" +
				`data: {"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"he"},"finish_reason":null}]}` + "\n\n" +
				`data: {"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":null}]}` + "\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "")
	reply, err := c.SendChat(
		[]openai.Message{{Role: openai.RoleUser, Content: openai.TextContent("hi")}},
		ChatOptions{Model: "qwen-max", UseStreaming: true},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
}

func TestSendChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"upstream_unavailable"}`))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "")
	_, err := c.SendChat(
		[]openai.Message{{Role: openai.RoleUser, Content: openai.TextContent("hi")}},
		ChatOptions{Model: "qwen-max"},
		nil,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSendChatInvalidURL(t *testing.T) {
	c := NewChatClient("http://[::bad", "")
	_, err := c.SendChat(nil, ChatOptions{Model: "m"}, nil)
	assert.Error(t, err)
}
