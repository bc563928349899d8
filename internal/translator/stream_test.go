package translator

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qwenbridge/qwenbridge/internal/openai"
)

func upstreamFrames(frames ...string) io.Reader {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString("data: ")
		sb.WriteString(f)
		sb.WriteString("\n\n")
	}
	return strings.NewReader(sb.String())
}

func collectChunks(t *testing.T, r io.Reader) []openai.StreamChunk {
	t.Helper()
	st := NewStream("qwen-max", nil)
	var chunks []openai.StreamChunk
	for c := range st.Translate(context.Background(), r) {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestTranslateBasicStream(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"he","phase":"answer"}}]}`,
		`{"choices":[{"delta":{"content":"llo","phase":"answer"}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	require.Len(t, chunks, 4)

	// Role delta first, exactly once, before any content.
	assert.Equal(t, openai.RoleAssistant, chunks[0].Choices[0].Delta.Role)
	assert.Empty(t, chunks[0].Choices[0].Delta.Content)

	assert.Equal(t, "he", chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, "llo", chunks[2].Choices[0].Delta.Content)

	final := chunks[3].Choices[0]
	require.NotNil(t, final.FinishReason)
	assert.Equal(t, "stop", *final.FinishReason)

	for _, c := range chunks {
		assert.Equal(t, "chat.completion.chunk", c.Object)
		assert.Equal(t, "qwen-max", c.Model)
		assert.True(t, strings.HasPrefix(c.ID, "chatcmpl-"))
	}
	// Every chunk of one stream shares the same id.
	assert.Equal(t, chunks[0].ID, chunks[3].ID)
}

func TestTranslateThinkingWrapped(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"content":"let me ","phase":"think"}}]}`,
		`{"choices":[{"delta":{"content":"see","phase":"think"}}]}`,
		`{"choices":[{"delta":{"content":"answer!","phase":"answer"}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "<think>let me see</think>answer!", content.String())
}

func TestTranslateThinkingClosedAtCompletion(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"content":"only thinking","phase":"thinking"}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "<think>only thinking</think>", content.String())
}

func TestTranslateUnknownPhaseTreatedAsAnswer(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"content":"x","phase":"weird_new_phase"}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "x", content.String())
}

func TestTranslateSkipsMalformedFrames(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"content":"a","phase":"answer"}}]}`,
		`{not json`,
		`{"choices":[{"delta":{"content":"b","phase":"answer"}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "ab", content.String())
}

func TestTranslateLengthFinish(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"content":"a","phase":"answer"}}]}`,
		`{"choices":[{"delta":{"status":"finished","finish_reason":"length"}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	final := chunks[len(chunks)-1].Choices[0]
	require.NotNil(t, final.FinishReason)
	assert.Equal(t, "length", *final.FinishReason)
}

func TestTranslateToolCallsPassThrough(t *testing.T) {
	r := upstreamFrames(
		`{"choices":[{"delta":{"phase":"tool_use","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`,
		`{"choices":[{"delta":{"phase":"tool_use","tool_calls":[{"index":0,"function":{"arguments":"ty\":1}"}}]}}]}`,
		`[DONE]`,
	)
	chunks := collectChunks(t, r)
	var calls []openai.ToolCall
	for _, c := range chunks {
		calls = append(calls, c.Choices[0].Delta.ToolCalls...)
	}
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
}

func TestTranslateNoTerminalChunkOnReadError(t *testing.T) {
	// One frame is delivered, then failingReader fails the read.
	r := io.MultiReader(
		strings.NewReader(`data: {"choices":[{"delta":{"content":"partial","phase":"answer"}}]}`+"\n\n"),
		&failingReader{},
	)
	st := NewStream("qwen-max", nil)
	var chunks []openai.StreamChunk
	for c := range st.Translate(context.Background(), r) {
		chunks = append(chunks, c)
	}
	require.Error(t, st.Err())
	for _, c := range chunks {
		assert.Nil(t, c.Choices[0].FinishReason)
	}
}

type failingReader struct{}

func (f *failingReader) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestAggregateMatchesStreamedContent(t *testing.T) {
	frames := []string{
		`{"choices":[{"delta":{"content":"plan","phase":"think"}}]}`,
		`{"choices":[{"delta":{"content":"hello ","phase":"answer"}}]}`,
		`{"choices":[{"delta":{"content":"world","phase":"answer"}}]}`,
		`[DONE]`,
	}

	streamed := collectChunks(t, upstreamFrames(frames...))
	var streamContent strings.Builder
	for _, c := range streamed {
		streamContent.WriteString(c.Choices[0].Delta.Content)
	}

	st := NewStream("qwen-max", nil)
	completion, err := st.Aggregate(context.Background(), upstreamFrames(frames...))
	require.NoError(t, err)
	require.Len(t, completion.Choices, 1)

	msg := completion.Choices[0].Message
	assert.Equal(t, openai.RoleAssistant, msg.Role)
	assert.Equal(t, streamContent.String(), msg.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
	assert.Equal(t, "chat.completion", completion.Object)
}

func TestAggregateMergesToolCalls(t *testing.T) {
	frames := []string{
		`{"choices":[{"delta":{"phase":"tool_use","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"phase":"tool_use","tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{"phase":"tool_use","tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"other","arguments":"{}"}}]}}]}`,
		`[DONE]`,
	}
	st := NewStream("qwen-max", nil)
	completion, err := st.Aggregate(context.Background(), upstreamFrames(frames...))
	require.NoError(t, err)

	calls := completion.Choices[0].Message.ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, calls[0].Function.Arguments)
	assert.Equal(t, "call_2", calls[1].ID)
}

func TestAggregateDroppedConnection(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader(`data: {"choices":[{"delta":{"content":"partial","phase":"answer"}}]}`+"\n\n"),
		&failingReader{},
	)
	st := NewStream("qwen-max", nil)
	completion, err := st.Aggregate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "partial", completion.Choices[0].Message.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
}

func TestEstimateUsage(t *testing.T) {
	u := EstimateUsage("a prompt with several words", "short answer")
	assert.Positive(t, u.PromptTokens)
	assert.Positive(t, u.CompletionTokens)
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)

	empty := EstimateUsage("", "")
	assert.Zero(t, empty.TotalTokens)
}

func TestPromptText(t *testing.T) {
	req := &openai.ChatRequest{Messages: []openai.Message{
		{Role: openai.RoleSystem, Content: openai.TextContent("sys")},
		{Role: openai.RoleUser, Content: openai.PartsContent(
			openai.Part{Type: openai.PartText, Text: "hi"},
			openai.Part{Type: openai.PartImageURL, ImageURL: &openai.ImageURL{URL: "u"}},
		)},
	}}
	assert.Equal(t, "sys\nhi", PromptText(req))
}
