package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/config"
	"github.com/qwenbridge/qwenbridge/internal/logging"
	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
)

// logRequest logs a started/completed pair for every request and stamps a
// request id into the context.
func (s *Server) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := logging.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		s.logger.Info("request started",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next(rw, r.WithContext(ctx))

		s.logger.Info("request completed",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// withAuth enforces the configured authentication mode on API routes.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch s.config.AuthMode {
		case config.AuthModeClient:
			// Credential extraction happens in the handler; here only the
			// api_key segment is checked when one is configured.
			if s.config.APIKey != "" {
				key, _, _ := splitClientBearer(r, true)
				if !keyMatches(key, s.config.APIKey) {
					writeError(w, http.StatusUnauthorized, string(openai.KindAuthInvalid), "invalid api key")
					return
				}
			}
		default:
			if s.config.APIKey != "" && !keyMatches(apiKeyFromRequest(r), s.config.APIKey) {
				// POST bodies may carry the key as a field; the handler
				// re-checks after decoding.
				if r.Method != http.MethodPost {
					writeError(w, http.StatusUnauthorized, string(openai.KindAuthInvalid), "invalid api key")
					return
				}
			}
		}
		next(w, r)
	}
}

// apiKeyFromRequest extracts the client API key in server mode: bearer
// header, X-API-Key header, or api_key/key query parameter.
func apiKeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	q := r.URL.Query()
	if k := q.Get("api_key"); k != "" {
		return k
	}
	return q.Get("key")
}

// splitClientBearer parses the client-mode bearer tuple
// api_key;qwen_token;cookie. When hasAPIKey is false the api_key segment is
// absent and the tuple starts with the token.
func splitClientBearer(r *http.Request, hasAPIKey bool) (apiKey, token, cookie string) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", "", ""
	}
	parts := strings.SplitN(strings.TrimPrefix(h, "Bearer "), ";", 3)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if hasAPIKey {
		apiKey = parts[0]
		parts = parts[1:]
	}
	if len(parts) > 0 {
		token = parts[0]
	}
	if len(parts) > 1 {
		cookie = parts[1]
	}
	return apiKey, token, cookie
}

// credentialsFromRequest extracts per-request upstream credentials in client
// mode. The api_key segment leads the tuple only when the server has an API
// key configured.
func credentialsFromRequest(r *http.Request, hasAPIKey bool) (qwen.Credentials, bool) {
	_, token, cookie := splitClientBearer(r, hasAPIKey)
	if token == "" {
		return qwen.Credentials{}, false
	}
	return qwen.Credentials{Token: token, Cookie: cookie}, true
}

// keyMatches compares API keys in constant time.
func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// statusWriter wraps http.ResponseWriter to capture the status code while
// forwarding Flush for streaming support.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
