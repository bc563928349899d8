// Package qwen implements the wire protocol of the Qwen web-chat upstream:
// request envelopes, browser-like headers, the HTTP client wrapper, and
// bearer-token expiry inspection.
package qwen

import "encoding/json"

// ChatType is the upstream conversational modality.
type ChatType string

const (
	ChatTypeText      ChatType = "t2t"
	ChatTypeImage     ChatType = "t2i"
	ChatTypeImageEdit ChatType = "image_edit"
	ChatTypeVideo     ChatType = "t2v"
)

// CompletionRequest is the message envelope posted to
// /api/v2/chat/completions?chat_id=....
type CompletionRequest struct {
	Stream            bool      `json:"stream"`
	IncrementalOutput bool      `json:"incremental_output"`
	ChatID            string    `json:"chat_id"`
	ChatMode          string    `json:"chat_mode"`
	Model             string    `json:"model"`
	ParentID          *string   `json:"parent_id"`
	Messages          []Message `json:"messages"`
	Size              string    `json:"size,omitempty"`
	Timestamp         int64     `json:"timestamp"`
}

// Message is one message of the upstream envelope.
type Message struct {
	FID           string          `json:"fid"`
	ParentID      *string         `json:"parentId"`
	ChildrenIDs   []string        `json:"childrenIds"`
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	UserAction    string          `json:"user_action,omitempty"`
	Files         []File          `json:"files"`
	Timestamp     int64           `json:"timestamp"`
	Models        []string        `json:"models"`
	ChatType      ChatType        `json:"chat_type"`
	SubChatType   ChatType        `json:"sub_chat_type"`
	FeatureConfig FeatureConfig   `json:"feature_config"`
	Extra         MessageExtra    `json:"extra"`
	Meta          json.RawMessage `json:"meta,omitempty"`
}

// FeatureConfig toggles upstream generation features.
type FeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
}

// MessageExtra mirrors the redundant sub-chat-type metadata the upstream expects.
type MessageExtra struct {
	Meta struct {
		SubChatType ChatType `json:"subChatType"`
	} `json:"meta"`
}

// File describes an image attachment passed by URL. Attachments are not
// re-uploaded: size stays 0 and no hash is computed.
type File struct {
	Type         string `json:"type"`
	FileType     string `json:"file_type"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	Status       string `json:"status"`
	ID           string `json:"id"`
	ItemID       string `json:"itemId"`
	UploadTaskID string `json:"uploadTaskId"`
	FileClass    string `json:"file_class"`
	ShowType     string `json:"showType"`
	GreenNet     string `json:"greenNet,omitempty"`
}

// NewChatRequest is the body of /api/v2/chats/new.
type NewChatRequest struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  ChatType `json:"chat_type"`
	Timestamp int64    `json:"timestamp"`
}

// newChatResponse is the subset of the create-chat response the proxy reads.
type newChatResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

// StreamEvent is one parsed SSE frame from the upstream completion stream.
type StreamEvent struct {
	Choices []StreamEventChoice `json:"choices"`
	Usage   json.RawMessage     `json:"usage,omitempty"`
}

// StreamEventChoice carries the delta of one upstream frame.
type StreamEventChoice struct {
	Delta StreamDelta `json:"delta"`
}

// StreamDelta is the incremental payload of an upstream frame. Phase labels
// which segment of the response is being emitted; Status marks terminal
// frames ("finished") and FinishReason mirrors truncation signals.
type StreamDelta struct {
	Role         string          `json:"role,omitempty"`
	Content      string          `json:"content,omitempty"`
	Phase        string          `json:"phase,omitempty"`
	Status       string          `json:"status,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
}

// Phases the upstream is known to emit. Unknown phases are treated as answer.
const (
	PhaseThinking = "think"
	PhaseAnswer   = "answer"
	PhaseToolUse  = "tool_use"
)

// CatalogModel is one model of the upstream catalogue (/api/models).
type CatalogModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Info struct {
		Meta struct {
			Capabilities map[string]bool `json:"capabilities"`
			ChatTypes    []string        `json:"chat_type"`
		} `json:"meta"`
	} `json:"info"`
}

// SupportsThinking reports whether the model advertises the thinking capability.
func (m *CatalogModel) SupportsThinking() bool {
	return m.Info.Meta.Capabilities["thinking"]
}

// HasChatType reports whether the model's chat_type list includes t.
func (m *CatalogModel) HasChatType(t string) bool {
	for _, ct := range m.Info.Meta.ChatTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Chat is one entry of the upstream chat listing, used by the cleanup job.
type Chat struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updated_at"`
}
