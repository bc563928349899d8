package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qwenbridge/qwenbridge/internal/config"
	"github.com/qwenbridge/qwenbridge/internal/identity"
	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
	"github.com/qwenbridge/qwenbridge/internal/translator"
)

// upstreamBehavior scripts the fake upstream per bearer token.
type upstreamBehavior struct {
	completionStatus int      // non-zero: fail completions with this status
	frames           []string // SSE data payloads to emit
	emitDone         bool
	abortAfterFrames bool // drop the connection after writing frames
}

func newUpstream(t *testing.T, behaviors map[string]upstreamBehavior) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var chatCounter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b, ok := behaviors[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/api/v2/chats/new"):
			id := chatCounter.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"id": fmt.Sprintf("chat-%s-%d", token, id)},
			})
		case strings.HasSuffix(r.URL.Path, "/api/v2/chat/completions"):
			if b.completionStatus != 0 {
				w.WriteHeader(b.completionStatus)
				_, _ = w.Write([]byte(`{"detail":"scripted failure"}`))
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, f := range b.frames {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
				flusher.Flush()
			}
			if b.abortAfterFrames {
				panic(http.ErrAbortHandler)
			}
			if b.emitDone {
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &chatCounter
}

func newHarness(t *testing.T, srv *httptest.Server, tokens ...string) (*Orchestrator, *identity.Pool) {
	t.Helper()
	client := qwen.NewClient(srv.URL, nil)
	pool := identity.NewPool(client, nil)
	pairs := make([]config.CredentialPair, 0, len(tokens))
	for _, tok := range tokens {
		pairs = append(pairs, config.CredentialPair{Token: tok})
	}
	pool.Initialize(context.Background(), pairs)
	tr := translator.NewRequest(client, "qwen3-vl-plus", false, nil)
	return New(pool, client, tr, nil), pool
}

func chatReq(stream bool) *openai.ChatRequest {
	return &openai.ChatRequest{
		Model:  "qwen-max",
		Stream: &stream,
		Messages: []openai.Message{
			{Role: openai.RoleUser, Content: openai.TextContent("hi")},
		},
	}
}

func doExecute(orch *Orchestrator, req *openai.ChatRequest) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	orch.Execute(rec, httpReq, req, nil)
	return rec
}

func sseDataLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestExecuteStreamingHappyPath(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamBehavior{
		"tokA": {
			frames: []string{
				`{"choices":[{"delta":{"role":"assistant"}}]}`,
				`{"choices":[{"delta":{"content":"he","phase":"answer"}}]}`,
				`{"choices":[{"delta":{"content":"llo","phase":"answer"}}]}`,
			},
			emitDone: true,
		},
	})
	orch, pool := newHarness(t, srv, "tokA")

	rec := doExecute(orch, chatReq(true))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))

	lines := sseDataLines(rec.Body.String())
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "[DONE]", lines[len(lines)-1])
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "data: [DONE]"))

	var first openai.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, openai.RoleAssistant, first.Choices[0].Delta.Role)

	var content strings.Builder
	for _, line := range lines[:len(lines)-1] {
		var chunk openai.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "hello", content.String())

	assert.Equal(t, 1, pool.Status().Healthy)
}

func TestExecuteNonStreaming(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamBehavior{
		"tokA": {
			frames: []string{
				`{"choices":[{"delta":{"content":"hello ","phase":"answer"}}]}`,
				`{"choices":[{"delta":{"content":"world","phase":"answer"}}]}`,
			},
			emitDone: true,
		},
	})
	orch, _ := newHarness(t, srv, "tokA")

	rec := doExecute(orch, chatReq(false))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var completion openai.Completion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "hello world", completion.Choices[0].Message.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
	require.NotNil(t, completion.Usage)
	assert.Positive(t, completion.Usage.TotalTokens)
}

func TestExecuteFailoverToSecondIdentity(t *testing.T) {
	srv, chats := newUpstream(t, map[string]upstreamBehavior{
		"tokA": {completionStatus: http.StatusUnauthorized},
		"tokB": {
			frames:   []string{`{"choices":[{"delta":{"content":"ok","phase":"answer"}}]}`},
			emitDone: true,
		},
	})
	orch, pool := newHarness(t, srv, "tokA", "tokB")

	rec := doExecute(orch, chatReq(true))

	assert.Equal(t, http.StatusOK, rec.Code)
	lines := sseDataLines(rec.Body.String())
	assert.Equal(t, "[DONE]", lines[len(lines)-1])
	assert.Contains(t, rec.Body.String(), `"content":"ok"`)

	st := pool.Status()
	assert.Equal(t, 1, st.Quarantined, "the 401 identity is quarantined")
	assert.Equal(t, 1, st.Healthy, "the fallback identity succeeded")
	// One failed attempt plus one successful retry, each with its own chat.
	assert.Equal(t, int64(2), chats.Load())
}

func TestExecuteMidStreamFailure(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamBehavior{
		"tokA": {
			frames: []string{
				`{"choices":[{"delta":{"role":"assistant"}}]}`,
				`{"choices":[{"delta":{"content":"partial","phase":"answer"}}]}`,
			},
			abortAfterFrames: true,
		},
	})
	orch, _ := newHarness(t, srv, "tokA")

	rec := doExecute(orch, chatReq(true))

	// Headers were already committed as a stream; failure stays in-band.
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"content":"partial"`)
	assert.Contains(t, body, "[error]")
	assert.Equal(t, 1, strings.Count(body, "data: [DONE]"))

	lines := sseDataLines(body)
	var last openai.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-2]), &last))
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
}

func TestExecuteAllIdentitiesFail(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamBehavior{
		"tokA": {completionStatus: http.StatusInternalServerError},
		"tokB": {completionStatus: http.StatusInternalServerError},
	})
	orch, _ := newHarness(t, srv, "tokA", "tokB")

	rec := doExecute(orch, chatReq(true))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body openai.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(openai.KindUpstreamError), body.Error)
}

func TestExecuteEmptyPool(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamBehavior{})
	orch, _ := newHarness(t, srv)

	rec := doExecute(orch, chatReq(true))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body openai.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(openai.KindUpstreamUnavailable), body.Error)
}

func TestExecuteBadRequestSkipsUpstream(t *testing.T) {
	srv, chats := newUpstream(t, map[string]upstreamBehavior{"tokA": {}})
	orch, _ := newHarness(t, srv, "tokA")

	stream := true
	rec := doExecute(orch, &openai.ChatRequest{Model: "qwen-max", Stream: &stream})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), chats.Load())
}

func TestExecuteOverrideCredentialsSkipPool(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamBehavior{
		"client-tok": {
			frames:   []string{`{"choices":[{"delta":{"content":"ok","phase":"answer"}}]}`},
			emitDone: true,
		},
	})
	orch, pool := newHarness(t, srv)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	orch.Execute(rec, httpReq, chatReq(true), &qwen.Credentials{Token: "client-tok"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"ok"`)
	assert.Equal(t, 0, pool.Status().Total)
}

func TestExecuteOverrideDoesNotRetry(t *testing.T) {
	srv, chats := newUpstream(t, map[string]upstreamBehavior{
		"client-tok": {completionStatus: http.StatusUnauthorized},
	})
	orch, _ := newHarness(t, srv, "tokA")

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	orch.Execute(rec, httpReq, chatReq(true), &qwen.Credentials{Token: "client-tok"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(1), chats.Load())
}
