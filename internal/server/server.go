// Package server implements the HTTP surface of the proxy: the OpenAI
// compatible endpoints, authentication, health reporting, and the manual
// token-refresh trigger.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/config"
	"github.com/qwenbridge/qwenbridge/internal/identity"
	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/proxy"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
)

// Version is the application version, following semantic versioning.
const Version = "1.2.0"

// Server routes client requests into the orchestrator and exposes the
// operational endpoints.
type Server struct {
	server       *http.Server
	config       *config.Config
	pool         *identity.Pool
	client       *qwen.Client
	orchestrator *proxy.Orchestrator
	logger       *zap.Logger
	models       *modelCatalogue
	startTime    time.Time
}

// New creates the HTTP server and registers all routes. The server is not
// started until Start is called.
func New(cfg *config.Config, pool *identity.Pool, client *qwen.Client, orch *proxy.Orchestrator, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config:       cfg,
		pool:         pool,
		client:       client,
		orchestrator: orch,
		logger:       logger,
		models:       &modelCatalogue{},
		startTime:    time.Now(),
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}

	mux.HandleFunc("/v1/models", s.logRequest(s.withAuth(s.handleModels)))
	mux.HandleFunc("/v1/chat/completions", s.logRequest(s.withAuth(s.handleChatCompletions)))
	mux.HandleFunc("/health", s.logRequest(s.handleHealth))
	mux.HandleFunc("/refresh-token", s.logRequest(s.handleRefreshToken))
	mux.HandleFunc("/", s.logRequest(s.handleIndex))

	return s
}

// Start begins serving. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting",
		zap.String("addr", s.config.ListenAddr),
		zap.String("auth_mode", string(s.config.AuthMode)),
		zap.String("upstream", s.config.UpstreamBaseURL),
	)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server without interrupting active
// connections, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleChatCompletions accepts an OpenAI chat request and dispatches it.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	defer func() { _ = body.Close() }()

	var req openai.ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(openai.KindBadRequest), fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if s.config.AuthMode == config.AuthModeServer && s.config.APIKey != "" {
		if !keyMatches(apiKeyFromRequest(r), s.config.APIKey) && !keyMatches(req.APIKey, s.config.APIKey) {
			writeError(w, http.StatusUnauthorized, string(openai.KindAuthInvalid), "invalid api key")
			return
		}
	}

	var override *qwen.Credentials
	if s.config.AuthMode == config.AuthModeClient {
		creds, ok := credentialsFromRequest(r, s.config.APIKey != "")
		if !ok {
			writeError(w, http.StatusUnauthorized, string(openai.KindAuthRequired), "client mode requires api_key;qwen_token;cookie credentials")
			return
		}
		override = &creds
	}

	s.orchestrator.Execute(w, r, &req, override)
}

// handleHealth reports service status, flags, token freshness, and the
// identity-pool aggregates.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pool.Status()
	resp := map[string]any{
		"status":         "ok",
		"version":        Version,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"auth_mode":      s.config.AuthMode,
		"vision_fallback": map[string]any{
			"enabled": s.config.VisionFallbackEnabled(),
			"model":   s.config.VisionFallbackModel,
		},
		"identities": st,
	}
	if st.NearestExpiry != nil {
		resp["token_expires_in_hours"] = time.Until(*st.NearestExpiry).Hours()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefreshToken triggers a refresh pass over the pool and reports how
// many identities got a fresh token.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	refreshed := s.pool.RefreshExpired(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed":  refreshed,
		"identities": s.pool.Status(),
	})
}

// handleIndex serves a minimal landing page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<html><body><h1>qwenbridge %s</h1><p>OpenAI-compatible endpoint: POST /v1/chat/completions</p></body></html>", Version)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, details string) {
	writeJSON(w, status, openai.ErrorBody{Error: kind, Details: details})
}
