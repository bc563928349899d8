package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []CredentialPair
	}{
		{
			name: "single token without cookie",
			raw:  "tok1",
			want: []CredentialPair{{Token: "tok1"}},
		},
		{
			name: "token with cookie",
			raw:  "tok1:cookie1",
			want: []CredentialPair{{Token: "tok1", Cookie: "cookie1"}},
		},
		{
			name: "multiple pairs with whitespace",
			raw:  " tok1:c1 , tok2 ,,tok3:c3",
			want: []CredentialPair{{Token: "tok1", Cookie: "c1"}, {Token: "tok2"}, {Token: "tok3", Cookie: "c3"}},
		},
		{
			name: "empty input",
			raw:  "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCredentials(tt.raw))
		})
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("QWEN_TOKENS", "tokA:cA,tokB")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("TOKEN_REFRESH_INTERVAL", "12h")
	t.Setenv("DISABLE_VISION_FALLBACK", "true")

	cfg, err := New("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 12*time.Hour, cfg.RefreshInterval)
	assert.Len(t, cfg.Credentials, 2)
	assert.False(t, cfg.VisionFallbackEnabled())
	assert.Equal(t, AuthModeServer, cfg.AuthMode)
}

func TestNewRequiresCredentialsInServerMode(t *testing.T) {
	t.Setenv("QWEN_TOKENS", "")
	t.Setenv("QWEN_TOKEN", "")
	t.Setenv("QWEN_COOKIE", "")
	_, err := New("")
	require.Error(t, err)
}

func TestNewClientModeNeedsNoCredentials(t *testing.T) {
	t.Setenv("AUTH_MODE", "client")
	cfg, err := New("")
	require.NoError(t, err)
	assert.Equal(t, AuthModeClient, cfg.AuthMode)
}

func TestNewRejectsUnknownAuthMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "nonsense")
	_, err := New("")
	require.Error(t, err)
}

func TestAllCredentialsFoldsLegacyPair(t *testing.T) {
	cfg := &Config{
		Credentials: []CredentialPair{{Token: "a"}},
		QwenToken:   "b",
		QwenCookie:  "bc",
	}
	pairs := cfg.AllCredentials()
	require.Len(t, pairs, 2)
	assert.Equal(t, "b", pairs[1].Token)
	assert.Equal(t, "bc", pairs[1].Cookie)

	// A legacy token already in the list is not duplicated.
	cfg.QwenToken = "a"
	assert.Len(t, cfg.AllCredentials(), 1)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
listen_addr: ":7000"
auth_mode: client
vision_fallback_model: my-vl
refresh_interval: 6h
log:
  level: debug
credentials:
  - token: filetok
    cookie: filecookie
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, AuthModeClient, cfg.AuthMode)
	assert.Equal(t, "my-vl", cfg.VisionFallbackModel)
	assert.Equal(t, 6*time.Hour, cfg.RefreshInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "filetok", cfg.Credentials[0].Token)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":7000\"\nauth_mode: client\n"), 0600))

	t.Setenv("LISTEN_ADDR", ":7100")
	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.ListenAddr)
}
