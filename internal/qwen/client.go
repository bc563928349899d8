package qwen

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/openai"
)

const (
	dialTimeout           = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second

	// maxErrorBody caps how much of an upstream error body is read for diagnostics.
	maxErrorBody = 8 * 1024
)

// Client is a thin wrapper over the upstream HTTP API. It offers buffered
// request/response calls for the control endpoints and a streaming-response
// mode for completions. Methods never retain the lock of any caller; all
// state is per-call.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Client for the given upstream base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		// Compression is negotiated explicitly so brotli bodies can be decoded.
		DisableCompression: true,
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
		logger:  logger,
	}
}

// BaseURL returns the upstream base URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateChat creates a new upstream chat session and returns its id.
func (c *Client) CreateChat(ctx context.Context, creds Credentials, model string, chatType ChatType) (string, error) {
	body := NewChatRequest{
		Title:     "New Chat",
		Models:    []string{model},
		ChatMode:  "normal",
		ChatType:  chatType,
		Timestamp: time.Now().UnixMilli(),
	}
	data, status, err := c.doJSON(ctx, http.MethodPost, "/api/v2/chats/new", creds, body)
	if err != nil {
		return "", openai.NewError(openai.KindCreateChatFailed, "create chat request failed", err)
	}
	if status >= 400 {
		return "", &openai.Error{Kind: openai.KindCreateChatFailed, Status: status, Msg: fmt.Sprintf("create chat returned %d: %s", status, truncate(data))}
	}
	var resp newChatResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Data.ID == "" {
		return "", openai.NewError(openai.KindCreateChatFailed, "create chat response carried no id", err)
	}
	return resp.Data.ID, nil
}

// Completions posts the message envelope and returns the raw streaming
// response. The caller owns resp.Body. Responses with status >= 400 are
// drained, closed, and returned as a classified error.
func (c *Client) Completions(ctx context.Context, creds Credentials, env *CompletionRequest, fingerprint bool) (*http.Response, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, openai.NewError(openai.KindTranslationError, "encode completion envelope", err)
	}
	u := c.baseURL + "/api/v2/chat/completions?chat_id=" + url.QueryEscape(env.ChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, openai.NewError(openai.KindUpstreamError, "build completion request", err)
	}
	req.Header = BuildHeaders(creds, c.baseURL, fingerprint)
	// The event stream must arrive uncompressed.
	req.Header.Del("Accept-Encoding")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, openai.NewError(openai.KindUpstreamError, "completion request failed", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &openai.Error{Kind: openai.KindUpstreamError, Status: resp.StatusCode, Msg: fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, truncate(body))}
	}
	return resp, nil
}

// ListModels fetches the upstream model catalogue.
func (c *Client) ListModels(ctx context.Context, creds Credentials) ([]CatalogModel, error) {
	data, status, err := c.doJSON(ctx, http.MethodGet, "/api/models", creds, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, openai.NewUpstreamError(status, fmt.Sprintf("list models returned %d", status))
	}
	var resp struct {
		Data []CatalogModel `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, openai.NewError(openai.KindUpstreamError, "decode model catalogue", err)
	}
	return resp.Data, nil
}

// ListChats returns one page of the identity's upstream chats, oldest last.
func (c *Client) ListChats(ctx context.Context, creds Credentials, page, pageSize int) ([]Chat, error) {
	path := fmt.Sprintf("/api/v2/chats/?page=%d&page_size=%d", page, pageSize)
	data, status, err := c.doJSON(ctx, http.MethodGet, path, creds, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, openai.NewUpstreamError(status, fmt.Sprintf("list chats returned %d", status))
	}
	var resp struct {
		Data []Chat `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, openai.NewError(openai.KindUpstreamError, "decode chat listing", err)
	}
	return resp.Data, nil
}

// DeleteChat removes one upstream chat.
func (c *Client) DeleteChat(ctx context.Context, creds Credentials, chatID string) error {
	_, status, err := c.doJSON(ctx, http.MethodDelete, "/api/v2/chats/"+url.PathEscape(chatID), creds, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return openai.NewUpstreamError(status, fmt.Sprintf("delete chat returned %d", status))
	}
	return nil
}

// RefreshToken exchanges a cookie for a fresh bearer token.
func (c *Client) RefreshToken(ctx context.Context, cookie string) (string, error) {
	data, status, err := c.doJSON(ctx, http.MethodGet, "/api/v1/auths/", Credentials{Cookie: cookie}, nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", openai.NewUpstreamError(status, fmt.Sprintf("token exchange returned %d", status))
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Token == "" {
		return "", openai.NewError(openai.KindUpstreamError, "token exchange response carried no token", err)
	}
	return resp.Token, nil
}

// doJSON performs one buffered request against the upstream, decoding
// gzip/brotli response bodies by Content-Encoding.
func (c *Client) doJSON(ctx context.Context, method, path string, creds Credentials, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header = BuildHeaders(creds, c.baseURL, false)
	if creds.Token == "" {
		req.Header.Del("Authorization")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := decodeBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if c.logger != nil {
		c.logger.Debug("upstream call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(data)),
		)
	}
	return data, resp.StatusCode, nil
}

// decodeBody reads the full response body, undoing gzip or brotli encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(r)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
