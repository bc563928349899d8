package translator

import (
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/qwenbridge/qwenbridge/internal/openai"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateUsage builds the usage block for a completion from the flattened
// prompt and the final assistant content. Counting uses the cl100k_base
// encoding when available and falls back to a runes/4 heuristic otherwise
// (the encoding is fetched lazily and may be absent offline).
func EstimateUsage(prompt, completion string) *openai.Usage {
	p := countTokens(prompt)
	c := countTokens(completion)
	return &openai.Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
	}
}

// PromptText flattens a request's messages for usage estimation.
func PromptText(req *openai.ChatRequest) string {
	var parts []string
	for _, m := range req.Messages {
		if t := extractText(m.Content); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func countTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}
