// Package config loads process configuration with Viper. Values come from
// defaults, an optional YAML file and MAILSYNC_ prefixed environment
// variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "mailsync.yaml"

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SyncConfig bounds the scheduler and the job runner.
type SyncConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	QueueSize    int           `mapstructure:"queue_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	PageLimit    int           `mapstructure:"page_limit"`
}

// AuthConfig selects how bearer tokens are verified. JWKSURL wins when
// both are set.
type AuthConfig struct {
	HMACSecret string `mapstructure:"hmac_secret"`
	JWKSURL    string `mapstructure:"jwks_url"`
}

// NATSConfig enables change-event publishing when URL is set.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type KeyringConfig struct {
	Backend      string `mapstructure:"backend"`
	FileDir      string `mapstructure:"file_dir"`
	FilePassword string `mapstructure:"file_password"`
}

type OAuthClient struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Tenant       string `mapstructure:"tenant"`
}

type OAuthConfig struct {
	Google    OAuthClient `mapstructure:"google"`
	Microsoft OAuthClient `mapstructure:"microsoft"`
}

// Config is the top-level process configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	DB      DBConfig      `mapstructure:"db"`
	Log     LogConfig     `mapstructure:"log"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Auth    AuthConfig    `mapstructure:"auth"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Keyring KeyringConfig `mapstructure:"keyring"`
	OAuth   OAuthConfig   `mapstructure:"oauth"`
}

var defaults = map[string]any{
	"http.addr":                     ":8080",
	"db.path":                       "data/mailsync.db",
	"log.level":                     "info",
	"log.format":                    "console",
	"sync.tick_interval":            "15s",
	"sync.max_in_flight":            4,
	"sync.queue_size":               64,
	"sync.poll_interval":            "5m",
	"sync.call_timeout":             "30s",
	"sync.page_limit":               100,
	"auth.hmac_secret":              "",
	"auth.jwks_url":                 "",
	"nats.url":                      "",
	"nats.stream":                   "MAIL_EVENTS",
	"keyring.backend":               "",
	"keyring.file_dir":              "",
	"keyring.file_password":         "",
	"oauth.google.client_id":        "",
	"oauth.google.client_secret":    "",
	"oauth.google.tenant":           "",
	"oauth.microsoft.client_id":     "",
	"oauth.microsoft.client_secret": "",
	"oauth.microsoft.tenant":        "common",
}

// Load reads path, which may be missing, and applies environment
// overrides such as MAILSYNC_SYNC_POLL_INTERVAL=1m.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the process cannot run with.
func (c *Config) Validate() error {
	if c.Auth.HMACSecret == "" && c.Auth.JWKSURL == "" {
		return errors.New("config: one of auth.hmac_secret or auth.jwks_url is required")
	}
	if c.Sync.MaxInFlight < 1 {
		return fmt.Errorf("config: sync.max_in_flight must be positive, got %d", c.Sync.MaxInFlight)
	}
	if c.Sync.PageLimit < 1 {
		return fmt.Errorf("config: sync.page_limit must be positive, got %d", c.Sync.PageLimit)
	}
	if c.Sync.CallTimeout <= 0 || c.Sync.PollInterval <= 0 || c.Sync.TickInterval <= 0 {
		return errors.New("config: sync intervals must be positive")
	}
	return nil
}
