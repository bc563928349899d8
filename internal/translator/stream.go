package translator

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
	"github.com/qwenbridge/qwenbridge/internal/sse"
)

// chunkBuffer bounds the translated-chunk channel between the upstream
// reader and the downstream writer.
const chunkBuffer = 16

// thinkOpenTag and thinkCloseTag wrap thinking-phase text on the client stream.
const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// Stream translates one upstream event stream into OpenAI chunk form.
type Stream struct {
	id      string
	model   string
	created int64
	logger  *zap.Logger

	mu        sync.Mutex
	streamErr error
}

// NewStream creates a stream translator for one response. model is the
// client-facing model name echoed into every chunk.
func NewStream(model string, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		id:      "chatcmpl-" + uuid.New().String(),
		model:   model,
		created: time.Now().Unix(),
		logger:  logger,
	}
}

// ID returns the completion id used by every chunk of this stream.
func (s *Stream) ID() string { return s.id }

// Translate consumes the upstream body and produces OpenAI chunks on the
// returned channel. On clean completion the last chunk carries the finish
// reason; the caller writes [DONE]. Malformed frames are skipped. A dropped
// upstream connection closes the channel without a terminal chunk and is
// reported through Err.
func (s *Stream) Translate(ctx context.Context, r io.Reader) <-chan openai.StreamChunk {
	out := make(chan openai.StreamChunk, chunkBuffer)
	go func() {
		defer close(out)

		scanner := sse.NewScanner(r)
		roleSent := false
		thinkOpen := false
		finish := "stop"

		emit := func(chunk openai.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			payload, ok := scanner.Next()
			if !ok {
				break
			}
			var evt qwen.StreamEvent
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				s.logger.Debug("skipping malformed upstream frame", zap.Error(err))
				continue
			}
			if len(evt.Choices) == 0 {
				continue
			}
			delta := evt.Choices[0].Delta

			if delta.FinishReason == "length" {
				finish = "length"
			}

			content := delta.Content
			var toolCalls []openai.ToolCall
			if len(delta.ToolCalls) > 0 {
				if err := json.Unmarshal(delta.ToolCalls, &toolCalls); err != nil {
					s.logger.Debug("skipping malformed tool_calls fragment", zap.Error(err))
					toolCalls = nil
				}
			}
			if content == "" && len(toolCalls) == 0 {
				continue
			}

			if !roleSent {
				roleSent = true
				if !emit(s.chunk(openai.Delta{Role: openai.RoleAssistant}, nil)) {
					return
				}
			}

			thinking := isThinkingPhase(delta.Phase)
			switch {
			case thinking && !thinkOpen:
				thinkOpen = true
				content = thinkOpenTag + content
			case !thinking && thinkOpen:
				thinkOpen = false
				content = thinkCloseTag + content
			}

			if !emit(s.chunk(openai.Delta{Content: content, ToolCalls: toolCalls}, nil)) {
				return
			}
		}

		if thinkOpen && roleSent {
			if !emit(s.chunk(openai.Delta{Content: thinkCloseTag}, nil)) {
				return
			}
		}

		// A read error means the upstream dropped mid-stream. The terminal
		// chunk is left to the orchestrator, which knows whether to surface
		// the error or retry.
		if err := scanner.Err(); err != nil {
			s.logger.Warn("upstream stream ended with error", zap.Error(err))
			s.mu.Lock()
			s.streamErr = err
			s.mu.Unlock()
			return
		}
		emit(s.chunk(openai.Delta{}, &finish))
	}()
	return out
}

// Err returns the upstream read error that cut the stream short, if any.
// Valid once the Translate channel has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Chunk builds a chunk bound to this stream's id; the orchestrator uses it
// for the synthetic error chunk on partial-stream failure.
func (s *Stream) Chunk(delta openai.Delta, finish *string) openai.StreamChunk {
	return s.chunk(delta, finish)
}

// chunk builds one OpenAI stream chunk.
func (s *Stream) chunk(delta openai.Delta, finish *string) openai.StreamChunk {
	return openai.StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// isThinkingPhase reports whether a phase label marks thinking output.
// Unknown phases are treated as answer.
func isThinkingPhase(phase string) bool {
	return phase == qwen.PhaseThinking || phase == "thinking"
}

// Aggregate consumes the upstream body and returns one completed assistant
// message: the non-streaming mode. Thinking text is wrapped the same way as
// on the streamed form; tool-call fragments are merged by index with their
// argument strings concatenated.
func (s *Stream) Aggregate(ctx context.Context, r io.Reader) (*openai.Completion, error) {
	var content strings.Builder
	finish := "stop"
	merged := map[int]*openai.ToolCall{}
	order := []int{}

	for chunk := range s.Translate(ctx, r) {
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		content.WriteString(choice.Delta.Content)
		for _, tc := range choice.Delta.ToolCalls {
			existing, ok := merged[tc.Index]
			if !ok {
				cp := tc
				if tc.Function != nil {
					fn := *tc.Function
					cp.Function = &fn
				}
				merged[tc.Index] = &cp
				order = append(order, tc.Index)
				continue
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Type != "" {
				existing.Type = tc.Type
			}
			if tc.Function != nil {
				if existing.Function == nil {
					existing.Function = &openai.Function{}
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}
		if choice.FinishReason != nil {
			finish = *choice.FinishReason
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var toolCalls []openai.ToolCall
	for _, idx := range order {
		toolCalls = append(toolCalls, *merged[idx])
	}

	return &openai.Completion{
		ID:      s.id,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.CompletionChoice{{
			Index: 0,
			Message: openai.CompletionMessage{
				Role:      openai.RoleAssistant,
				Content:   content.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
	}, nil
}
