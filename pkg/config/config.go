// Package config loads sessionsync settings from YAML, then the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/sessionsync/pkg/redisstream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SESSIONSYNC_"

// Push transports understood by the watch command.
const (
	PushWebSocket = "websocket"
	PushRedis     = "redis"
	PushNone      = "none"
)

type Config struct {
	LogLevel string               `yaml:"log_level"`
	Server   ServerConfig         `yaml:"server"`
	Client   ClientConfig         `yaml:"client"`
	Sync     SyncConfig           `yaml:"sync"`
	Redis    redisstream.Settings `yaml:"redis"`
}

// ServerConfig configures the reference store served by `serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// DBPath selects the SQLite store. Empty keeps records in memory.
	DBPath string `yaml:"db_path"`
	// Tokens maps bearer tokens to principal ids.
	Tokens    map[string]string `yaml:"tokens"`
	Heartbeat time.Duration     `yaml:"heartbeat"`
	Seed      bool              `yaml:"seed"`
}

// ClientConfig configures the engine run by `watch`.
type ClientConfig struct {
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	Principal string `yaml:"principal"`
	// Push is one of websocket, redis or none.
	Push         string `yaml:"push"`
	WebSocketURL string `yaml:"websocket_url"`
	// Unified disables the dashboard endpoint when false.
	Unified bool `yaml:"unified"`
}

// SyncConfig tunes the engine timers.
type SyncConfig struct {
	EchoTTL          time.Duration `yaml:"echo_ttl"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PushDebounce     time.Duration `yaml:"push_debounce"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	PushIdleTimeout  time.Duration `yaml:"push_idle_timeout"`
	PageSize         int           `yaml:"page_size"`
	BulkConcurrency  int           `yaml:"bulk_concurrency"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:      ":8080",
			Tokens:    map[string]string{},
			Heartbeat: 15 * time.Second,
		},
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			Push:    PushWebSocket,
			Unified: true,
		},
		Sync: SyncConfig{
			EchoTTL:          2 * time.Second,
			PollInterval:     30 * time.Second,
			PushDebounce:     2 * time.Second,
			SubscribeTimeout: 10 * time.Second,
			ReconnectMin:     time.Second,
			ReconnectMax:     30 * time.Second,
			PushIdleTimeout:  45 * time.Second,
			PageSize:         20,
			BulkConcurrency:  4,
		},
		Redis: redisstream.DefaultSettings(),
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SESSIONSYNC_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				keep(errors.Wrapf(err, "%s%s", EnvPrefix, name))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				keep(errors.Wrapf(err, "%s%s", EnvPrefix, name))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				keep(errors.Wrapf(err, "%s%s", EnvPrefix, name))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("ADDR", &c.Server.Addr)
	str("DB", &c.Server.DBPath)
	dur("HEARTBEAT", &c.Server.Heartbeat)
	if v, ok := lookup(EnvPrefix + "TOKENS"); ok {
		tokens, err := ParseTokens(v)
		keep(err)
		if err == nil {
			c.Server.Tokens = tokens
		}
	}
	str("BASE_URL", &c.Client.BaseURL)
	str("TOKEN", &c.Client.Token)
	str("PRINCIPAL", &c.Client.Principal)
	str("PUSH", &c.Client.Push)
	str("WS_URL", &c.Client.WebSocketURL)
	boolean("UNIFIED", &c.Client.Unified)
	dur("ECHO_TTL", &c.Sync.EchoTTL)
	dur("POLL_INTERVAL", &c.Sync.PollInterval)
	dur("PUSH_DEBOUNCE", &c.Sync.PushDebounce)
	dur("SUBSCRIBE_TIMEOUT", &c.Sync.SubscribeTimeout)
	dur("RECONNECT_MIN", &c.Sync.ReconnectMin)
	dur("RECONNECT_MAX", &c.Sync.ReconnectMax)
	dur("PUSH_IDLE_TIMEOUT", &c.Sync.PushIdleTimeout)
	integer("PAGE_SIZE", &c.Sync.PageSize)
	integer("BULK_CONCURRENCY", &c.Sync.BulkConcurrency)
	boolean("REDIS_ENABLED", &c.Redis.Enabled)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_GROUP", &c.Redis.Group)
	str("REDIS_CONSUMER", &c.Redis.Consumer)
	return firstErr
}

// ParseTokens parses "token=principal" pairs separated by commas.
func ParseTokens(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, principal, ok := strings.Cut(pair, "=")
		tok, principal = strings.TrimSpace(tok), strings.TrimSpace(principal)
		if !ok || tok == "" || principal == "" {
			return nil, errors.Errorf("invalid token mapping %q, want token=principal", pair)
		}
		out[tok] = principal
	}
	return out, nil
}

// Validate checks the settings shared by every command.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"sync.echo_ttl":          c.Sync.EchoTTL,
		"sync.poll_interval":     c.Sync.PollInterval,
		"sync.push_debounce":     c.Sync.PushDebounce,
		"sync.subscribe_timeout": c.Sync.SubscribeTimeout,
		"sync.reconnect_min":     c.Sync.ReconnectMin,
		"sync.reconnect_max":     c.Sync.ReconnectMax,
		"sync.push_idle_timeout": c.Sync.PushIdleTimeout,
		"server.heartbeat":       c.Server.Heartbeat,
	}
	for name, d := range durations {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Sync.ReconnectMax < c.Sync.ReconnectMin {
		return errors.New("sync.reconnect_max must not be below sync.reconnect_min")
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}
	if c.Sync.BulkConcurrency <= 0 {
		return errors.New("sync.bulk_concurrency must be positive")
	}
	switch c.Client.Push {
	case PushWebSocket, PushRedis, PushNone:
	default:
		return errors.Errorf("unknown push transport %q", c.Client.Push)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}

// ValidateClient additionally checks what the watch command needs.
func (c Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Client.BaseURL) == "" {
		return errors.New("client.base_url is required")
	}
	if c.Client.Push == PushRedis && !c.Redis.Enabled {
		return errors.New("push transport redis needs redis.enabled")
	}
	return nil
}

// PushURL derives the push endpoint from the base URL unless set explicitly.
func (c ClientConfig) PushURL() string {
	if c.WebSocketURL != "" {
		return c.WebSocketURL
	}
	u := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
