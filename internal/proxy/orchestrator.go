// Package proxy drives one chat completion end to end: identity selection,
// translation, upstream dispatch, failure classification, and retry with
// alternate identities while preserving client-facing semantics.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/identity"
	"github.com/qwenbridge/qwenbridge/internal/logging"
	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
	"github.com/qwenbridge/qwenbridge/internal/sse"
	"github.com/qwenbridge/qwenbridge/internal/translator"
)

const (
	// extraAttempts is the retry budget after the first failed attempt.
	extraAttempts = 2

	// keepAliveInterval paces the SSE comment frames while a stream is idle.
	keepAliveInterval = 15 * time.Second
)

// Orchestrator executes translated requests against the upstream with
// identity failover.
type Orchestrator struct {
	pool       *identity.Pool
	client     *qwen.Client
	translator *translator.Request
	logger     *zap.Logger
}

// New creates an orchestrator.
func New(pool *identity.Pool, client *qwen.Client, tr *translator.Request, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{pool: pool, client: client, translator: tr, logger: logger}
}

// Execute drives one completion. When override is non-nil the request runs
// with those credentials only (client auth mode) and never touches the pool.
func (o *Orchestrator) Execute(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest, override *qwen.Credentials) {
	ctx := r.Context()
	stream := req.WantsStream()

	var writer *sse.Writer
	if stream {
		writer = sse.NewWriter(w)
	}

	attempts := 1 + extraAttempts
	if override != nil {
		attempts = 1
	}
	var lastErr *openai.Error
	for attempt := 0; attempt < attempts; attempt++ {
		lease, creds, ok := o.lease(override)
		if !ok {
			o.respondError(ctx, w, openai.NewError(openai.KindUpstreamUnavailable, "no selectable identity in the pool", nil))
			return
		}

		retryable, err := o.attempt(ctx, w, writer, req, lease, creds, stream)
		if err == nil {
			return
		}
		lastErr = openai.AsError(err)
		if ctx.Err() != nil {
			// The client went away: no identity mark, no retry, no reply.
			return
		}

		// Only upstream-facing failures count against the identity; client
		// mistakes (bad_request) and internal errors do not.
		if lease != nil && (lastErr.Kind == openai.KindUpstreamError || lastErr.Kind == openai.KindCreateChatFailed) {
			o.pool.MarkFailure(lease.ID, lastErr.AuthSignal())
		}
		if writer != nil && writer.WroteAny() {
			// Bytes already reached the client: the response cannot be
			// replayed. Close it as well-formed SSE instead.
			o.finishPartial(writer, nil, lastErr)
			return
		}
		if !retryable || !lastErr.Retryable() || override != nil || !o.pool.Selectable() {
			break
		}
		o.logger.Warn("retrying with alternate identity",
			zap.Int("attempt", attempt+1),
			zap.String("error", lastErr.Error()),
		)
	}
	o.respondError(ctx, w, lastErr)
}

// lease picks the identity for one attempt. The returned lease is nil in
// override mode, where no pool accounting applies.
func (o *Orchestrator) lease(override *qwen.Credentials) (*identity.Lease, qwen.Credentials, bool) {
	if override != nil {
		return nil, *override, true
	}
	lease, ok := o.pool.Acquire()
	if !ok {
		return nil, qwen.Credentials{}, false
	}
	return &lease, lease.Creds, true
}

// attempt runs one full translate-and-dispatch cycle. The bool reports
// whether a failure happened early enough that another identity may retry.
func (o *Orchestrator) attempt(ctx context.Context, w http.ResponseWriter, writer *sse.Writer, req *openai.ChatRequest, lease *identity.Lease, creds qwen.Credentials, stream bool) (bool, error) {
	// Chat ids are identity-scoped, so every attempt re-runs create-chat.
	res, err := o.translator.Translate(ctx, creds, req)
	if err != nil {
		return true, err
	}

	resp, err := o.client.Completions(ctx, creds, res.Envelope, res.UsedFallback)
	if err != nil {
		return true, err
	}
	defer func() { _ = resp.Body.Close() }()

	st := translator.NewStream(req.Model, o.logger)
	if stream {
		return false, o.pipeStream(ctx, writer, st, resp, lease)
	}
	return false, o.collect(ctx, w, st, resp, req, lease)
}

// pipeStream pumps translated chunks to the client. Upstream end, translator
// end, and client close all converge on the writer's idempotent Done.
func (o *Orchestrator) pipeStream(ctx context.Context, writer *sse.Writer, st *translator.Stream, resp *http.Response, lease *identity.Lease) error {
	writer.WriteHeaders()
	writer.StartKeepAlive(keepAliveInterval)

	for chunk := range st.Translate(ctx, resp.Body) {
		if !writer.WriteChunk(chunk) {
			// Client went away: tear down the upstream read and stop.
			_ = resp.Body.Close()
			writer.Done()
			return nil
		}
	}

	if err := st.Err(); err != nil && ctx.Err() == nil {
		if lease != nil {
			o.pool.MarkFailure(lease.ID, false)
		}
		o.finishPartial(writer, st, openai.NewError(openai.KindUpstreamError, "upstream connection dropped mid-stream", err))
		return nil
	}

	writer.Done()
	if lease != nil && ctx.Err() == nil {
		o.pool.MarkSuccess(lease.ID)
	}
	return nil
}

// collect aggregates the upstream stream into one completion response.
func (o *Orchestrator) collect(ctx context.Context, w http.ResponseWriter, st *translator.Stream, resp *http.Response, req *openai.ChatRequest, lease *identity.Lease) error {
	completion, err := st.Aggregate(ctx, resp.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if len(completion.Choices) > 0 {
		completion.Usage = translator.EstimateUsage(translator.PromptText(req), completion.Choices[0].Message.Content)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(completion); err != nil {
		o.logger.Error("failed to encode completion response", zap.Error(err))
		return nil
	}
	if lease != nil {
		o.pool.MarkSuccess(lease.ID)
	}
	return nil
}

// finishPartial closes a stream that already delivered bytes: one synthetic
// error chunk, then [DONE]. The HTTP status stays 200.
func (o *Orchestrator) finishPartial(writer *sse.Writer, st *translator.Stream, perr *openai.Error) {
	finish := "stop"
	delta := openai.Delta{Content: "\n\n[error] " + perr.Msg}
	var chunk openai.StreamChunk
	if st != nil {
		chunk = st.Chunk(delta, &finish)
	} else {
		chunk = openai.StreamChunk{
			ID:      "chatcmpl-error",
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Choices: []openai.StreamChoice{{Index: 0, Delta: delta, FinishReason: &finish}},
		}
	}
	writer.WriteChunk(chunk)
	writer.Done()
}

// respondError surfaces a terminal error to the client. If response headers
// were already sent on a stream, the partial-failure path applies instead;
// callers guarantee that never reaches here.
func (o *Orchestrator) respondError(ctx context.Context, w http.ResponseWriter, perr *openai.Error) {
	if perr == nil {
		perr = openai.NewError(openai.KindUpstreamError, "request failed", nil)
	}
	o.logger.Error("request failed",
		zap.String("kind", string(perr.Kind)),
		zap.Int("status", perr.StatusCode()),
		zap.String("error", perr.Error()),
	)
	body := openai.ErrorBody{
		Error:     string(perr.Kind),
		Details:   perr.Msg,
		RequestID: logging.GetRequestID(ctx),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.StatusCode())
	_ = json.NewEncoder(w).Encode(body)
}
