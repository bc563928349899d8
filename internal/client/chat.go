// Package client provides the HTTP client behind the `chat` command: a
// small REPL-oriented consumer of the proxy's own OpenAI surface.
package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/qwenbridge/qwenbridge/internal/openai"
)

// ChatClient talks to the proxy's /v1/chat/completions endpoint.
type ChatClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// ChatOptions configures one chat request.
type ChatOptions struct {
	Model        string
	UseStreaming bool
	VerboseMode  bool
}

// NewChatClient creates a chat client for the given proxy base URL.
func NewChatClient(baseURL, apiKey string) *ChatClient {
	return &ChatClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// SendChat sends the conversation and returns the assistant's reply.
// Streaming output is printed incrementally through rl when provided.
func (c *ChatClient) SendChat(messages []openai.Message, options ChatOptions, rl *readline.Instance) (string, error) {
	if _, err := url.Parse(c.BaseURL); err != nil {
		return "", fmt.Errorf("invalid proxy URL: %w", err)
	}

	stream := options.UseStreaming
	request := openai.ChatRequest{
		Model:    options.Model,
		Messages: messages,
		Stream:   &stream,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	if options.VerboseMode {
		fmt.Printf("Request: %s\n", string(jsonData))
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close response body: %v\n", err)
		}
	}()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if options.UseStreaming {
		return c.handleStreaming(resp, rl)
	}
	return c.handleNonStreaming(resp, options.VerboseMode)
}

func (c *ChatClient) handleStreaming(resp *http.Response, rl *readline.Instance) (string, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var content strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openai.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		writeOut(rl, delta)
	}
	writeOut(rl, "\n")

	if err := scanner.Err(); err != nil {
		return content.String(), fmt.Errorf("stream reading error: %w", err)
	}
	return content.String(), nil
}

func (c *ChatClient) handleNonStreaming(resp *http.Response, verbose bool) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if verbose {
		fmt.Printf("Response: %s\n", string(body))
	}
	var completion openai.Completion
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return completion.Choices[0].Message.Content, nil
}

func writeOut(rl *readline.Instance, s string) {
	if rl != nil && rl.Config.Stdout != nil {
		if _, err := rl.Config.Stdout.Write([]byte(s)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write streaming content: %v\n", err)
		}
		return
	}
	fmt.Print(s)
}
