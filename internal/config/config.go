package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Upstream endpoints and OAuth client identity. These are fixed properties of
// the vendor API, not runtime configuration.
const (
	APIBase            = "https://api.githubcopilot.com"
	ChatCompletionsURL = APIBase + "/chat/completions"
	ModelsURL          = APIBase + "/models"

	DeviceCodeURL    = "https://github.com/login/device/code"
	AccessTokenURL   = "https://github.com/login/oauth/access_token"
	TokenMetadataURL = "https://api.github.com/copilot_internal/v2/token"

	ClientID        = "01ab8ac9400c4e429b23"
	OAuthScope      = "user:email"
	DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// Identification headers required on every upstream call. The values are
// load-bearing for acceptance by the vendor and must be reproduced exactly.
const (
	HeaderIntegrationID       = "vscode-chat"
	HeaderEditorPluginVersion = "copilot-chat/0.23.2"
	HeaderEditorVersion       = "vscode/1.96.3"
	HeaderUserAgent           = "GitHubCopilotChat/0.23.2"
	HeaderGitHubAPIVersion    = "2024-12-15"
)

const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 5000
	DefaultTokenDir     = "Tokens"
	DefaultExhaustedDir = "TokensAgotados"
	TokenFileExt        = ".copilot_token"

	DefaultRequestTimeout = 30 * time.Second
)

// Config holds the runtime settings loadable from coprox.yaml. Zero values
// are filled with the package defaults by Load.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Dirs     DirsConfig     `mapstructure:"dirs"`
	Log      LogConfig      `mapstructure:"log"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Usage    UsageConfig    `mapstructure:"usage"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DirsConfig struct {
	Tokens    string `mapstructure:"tokens"`
	Exhausted string `mapstructure:"exhausted"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type UpstreamConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type RecoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type UsageConfig struct {
	Workers int `mapstructure:"workers"`
}

// RequestTimeout returns the configured upstream timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c == nil || c.Upstream.TimeoutSeconds <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// Load reads configuration from the given file path. An empty path falls back
// to ./coprox.yaml; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coprox")
		v.AddConfigPath(".")
	}

	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("dirs.tokens", DefaultTokenDir)
	v.SetDefault("dirs.exhausted", DefaultExhaustedDir)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("upstream.timeout_seconds", int(DefaultRequestTimeout/time.Second))
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.schedule", "@every 10m")
	v.SetDefault("usage.workers", 4)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}
