package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML configuration file shape. Zero values mean
// "not set"; only set fields override the defaults.
type fileConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	RequestTimeout string `yaml:"request_timeout"`

	UpstreamBaseURL string `yaml:"upstream_base_url"`

	AuthMode string `yaml:"auth_mode"`
	APIKey   string `yaml:"api_key"`

	Credentials []CredentialPair `yaml:"credentials"`

	VisionFallbackModel   string `yaml:"vision_fallback_model"`
	DisableVisionFallback *bool  `yaml:"disable_vision_fallback"`

	RefreshInterval string `yaml:"refresh_interval"`
	CleanupInterval string `yaml:"cleanup_interval"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setDuration(&cfg.RequestTimeout, fc.RequestTimeout)
	setString(&cfg.UpstreamBaseURL, fc.UpstreamBaseURL)
	if fc.AuthMode != "" {
		cfg.AuthMode = AuthMode(fc.AuthMode)
	}
	setString(&cfg.APIKey, fc.APIKey)
	if len(fc.Credentials) > 0 {
		cfg.Credentials = fc.Credentials
	}
	setString(&cfg.VisionFallbackModel, fc.VisionFallbackModel)
	if fc.DisableVisionFallback != nil {
		cfg.DisableVisionFallback = *fc.DisableVisionFallback
	}
	setDuration(&cfg.RefreshInterval, fc.RefreshInterval)
	setDuration(&cfg.CleanupInterval, fc.CleanupInterval)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.LogFile, fc.Log.File)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
