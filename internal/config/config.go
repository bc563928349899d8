// Package config handles application configuration loading and validation
// from environment variables and an optional YAML file, providing a
// type-safe, read-only configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMode selects where upstream credentials come from.
type AuthMode string

const (
	// AuthModeServer uses credentials from the server configuration; clients
	// authenticate with the configured API key (if any).
	AuthModeServer AuthMode = "server"
	// AuthModeClient expects each request to carry its own credentials as a
	// semicolon-delimited bearer tuple: api_key;qwen_token;cookie.
	AuthModeClient AuthMode = "client"
)

// CredentialPair is one upstream identity seed: a bearer token and the
// cookie string it was minted from. Cookie may be empty.
type CredentialPair struct {
	Token  string `yaml:"token"`
	Cookie string `yaml:"cookie"`
}

// Config holds all application configuration values. The serve command
// overrides ListenAddr from its --listen flag after New, before any other
// component receives the config.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Loaded from REQUEST_TIMEOUT / request_timeout; no component reads it (the upstream client uses a fixed 30s response-header timeout)
	MaxRequestSize int64         // Maximum size of incoming requests in bytes

	// Upstream
	UpstreamBaseURL string // Base URL of the Qwen web-chat service

	// Authentication
	AuthMode AuthMode // "server" or "client"
	APIKey   string   // Optional API key required from clients (server mode)

	// Upstream credentials (server mode)
	Credentials []CredentialPair // Identity pool seeds
	QwenToken   string           // Legacy single token
	QwenCookie  string           // Legacy single cookie

	// Modality routing
	VisionFallbackModel   string // Model substituted when images hit a non-vision model
	DisableVisionFallback bool   // Disable the substitution entirely

	// Schedulers
	RefreshInterval time.Duration // Token refresh cadence
	CleanupInterval time.Duration // Upstream chat cleanup cadence

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)
}

// New creates a new configuration with values from the optional YAML file at
// path (empty to skip) overlaid by environment variables. Environment wins.
func New(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:     ":8080",
		RequestTimeout: 30 * time.Second,
		MaxRequestSize: 50 * 1024 * 1024,

		UpstreamBaseURL: "https://chat.qwen.ai",

		AuthMode: AuthModeServer,

		VisionFallbackModel: "qwen3-vl-plus",

		RefreshInterval: 24 * time.Hour,
		CleanupInterval: time.Hour,

		LogLevel:  "info",
		LogFormat: "json",
	}

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = getEnvString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxRequestSize = getEnvInt64("MAX_REQUEST_SIZE", cfg.MaxRequestSize)

	cfg.UpstreamBaseURL = getEnvString("QWEN_BASE_URL", cfg.UpstreamBaseURL)

	cfg.AuthMode = AuthMode(getEnvString("AUTH_MODE", string(cfg.AuthMode)))
	cfg.APIKey = getEnvString("API_KEY", cfg.APIKey)

	cfg.QwenToken = getEnvString("QWEN_TOKEN", cfg.QwenToken)
	cfg.QwenCookie = getEnvString("QWEN_COOKIE", cfg.QwenCookie)
	if raw := getEnvString("QWEN_TOKENS", ""); raw != "" {
		cfg.Credentials = ParseCredentials(raw)
	}

	cfg.VisionFallbackModel = getEnvString("VISION_FALLBACK_MODEL", cfg.VisionFallbackModel)
	cfg.DisableVisionFallback = getEnvBool("DISABLE_VISION_FALLBACK", cfg.DisableVisionFallback)

	cfg.RefreshInterval = getEnvDuration("TOKEN_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.CleanupInterval = getEnvDuration("CHAT_CLEANUP_INTERVAL", cfg.CleanupInterval)

	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvString("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnvString("LOG_FILE", cfg.LogFile)
}

func (c *Config) validate() error {
	switch c.AuthMode {
	case AuthModeServer, AuthModeClient:
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeServer, AuthModeClient, c.AuthMode)
	}
	if c.AuthMode == AuthModeServer && len(c.AllCredentials()) == 0 {
		return fmt.Errorf("server mode requires QWEN_TOKENS or QWEN_TOKEN to be set")
	}
	return nil
}

// ParseCredentials parses a comma-separated list of token:cookie pairs.
// The cookie segment is optional.
func ParseCredentials(raw string) []CredentialPair {
	var pairs []CredentialPair
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, cookie, _ := strings.Cut(entry, ":")
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		pairs = append(pairs, CredentialPair{Token: token, Cookie: strings.TrimSpace(cookie)})
	}
	return pairs
}

// AllCredentials returns every configured credential pair, folding the legacy
// single token/cookie variables into the list when present.
func (c *Config) AllCredentials() []CredentialPair {
	pairs := make([]CredentialPair, 0, len(c.Credentials)+1)
	pairs = append(pairs, c.Credentials...)
	if c.QwenToken != "" || c.QwenCookie != "" {
		for _, p := range pairs {
			if p.Token == c.QwenToken {
				return pairs
			}
		}
		pairs = append(pairs, CredentialPair{Token: c.QwenToken, Cookie: c.QwenCookie})
	}
	return pairs
}

// VisionFallbackEnabled reports whether the vision fallback substitution is active.
func (c *Config) VisionFallbackEnabled() bool {
	return !c.DisableVisionFallback && c.VisionFallbackModel != ""
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a 64-bit integer.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}
