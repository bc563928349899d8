// Package openai defines the OpenAI-compatible wire types accepted and
// emitted by the proxy, including the string-or-parts message content
// variant used by chat completion requests.
package openai

import (
	"encoding/json"
	"fmt"
)

// Role values accepted in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is an OpenAI chat completions request. Stream defaults to
// true: only an explicit false disables streaming.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   *bool     `json:"stream,omitempty"`
	Size     string    `json:"size,omitempty"`
	APIKey   string    `json:"api_key,omitempty"`
}

// WantsStream reports whether the client asked for a streaming response.
func (r *ChatRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// Message is one turn of the conversation.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is the tagged variant for message content: either a plain string
// or a sequence of typed parts.
type Content struct {
	Text  string
	Parts []Part
	// IsParts distinguishes an empty parts list from a plain empty string.
	IsParts bool
}

// Part is one element of multi-part content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	Image    string    `json:"image,omitempty"`
}

// Part types recognized by the translator.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartImage    = "image"
)

// ImageURL carries the url of an image_url part.
type ImageURL struct {
	URL string `json:"url"`
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		c.IsParts = false
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Parts = parts
		c.Text = ""
		c.IsParts = true
		return nil
	}
	return fmt.Errorf("content must be a string or an array of parts")
}

// MarshalJSON emits the same shape that was parsed.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// TextContent returns a plain-string content value.
func TextContent(s string) Content { return Content{Text: s} }

// PartsContent returns a multi-part content value.
func PartsContent(parts ...Part) Content { return Content{Parts: parts, IsParts: true} }

// Usage is the token accounting block on completions.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one SSE frame of a streaming chat completion.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice is the single choice carried by a stream chunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental fields of a stream chunk.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is an (possibly partial) tool invocation in a delta or message.
type ToolCall struct {
	Index    int       `json:"index"`
	ID       string    `json:"id,omitempty"`
	Type     string    `json:"type,omitempty"`
	Function *Function `json:"function,omitempty"`
}

// Function holds a tool call's function name and arguments fragment.
type Function struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Completion is a non-streaming chat completion response.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is the single choice of a completion.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// CompletionMessage is the assembled assistant message of a completion.
type CompletionMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
