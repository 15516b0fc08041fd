// Package config loads server settings from the environment, an optional
// .env file and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	RedisURL    string

	SecretKey    string
	TokenTTL     time.Duration
	JWTIssuer    string
	JWTAudience  string
	JWKSURL      string
	JWKSCacheTTL time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration

	EventBuffer         int
	RealtimeChannel     string
	LookupCacheTTL      time.Duration
	CustomIDMaxAttempts int

	CORSOrigins []string
	Debug       bool
	LogFormat   string
	TraceLog    bool
}

var defaults = map[string]any{
	"listen_addr":                 ":8000",
	"database_url":                "file:taskboard.db",
	"redis_url":                   "",
	"secret_key":                  "",
	"access_token_expire_minutes": 30,
	"jwt_issuer":                  "",
	"jwt_audience":                "",
	"auth_jwks_url":               "",
	"jwks_cache_ttl":              "15m",
	"ws_ping_interval":            "30s",
	"ws_pong_wait":                "60s",
	"ws_write_timeout":            "10s",
	"event_buffer":                256,
	"realtime_channel":            "taskboard:events",
	"lookup_cache_ttl":            "5m",
	"custom_id_max_attempts":      10,
	"cors_origins":                "*",
	"debug":                       false,
	"log_format":                  "text",
	"trace_log":                   false,
}

// Load reads .env (when present), then CONFIG_FILE (when set), then the
// process environment, which wins over both.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	p := parser{v: v}
	cfg := &Config{
		ListenAddr:      v.GetString("listen_addr"),
		DatabaseURL:     v.GetString("database_url"),
		RedisURL:        v.GetString("redis_url"),
		SecretKey:       v.GetString("secret_key"),
		JWTIssuer:       v.GetString("jwt_issuer"),
		JWTAudience:     v.GetString("jwt_audience"),
		JWKSURL:         v.GetString("auth_jwks_url"),
		RealtimeChannel: v.GetString("realtime_channel"),
		LogFormat:       strings.ToLower(v.GetString("log_format")),
		CORSOrigins:     splitList(v.GetString("cors_origins")),
	}
	cfg.TokenTTL = time.Duration(p.positiveInt("access_token_expire_minutes")) * time.Minute
	cfg.JWKSCacheTTL = p.duration("jwks_cache_ttl")
	cfg.PingInterval = p.duration("ws_ping_interval")
	cfg.PongWait = p.duration("ws_pong_wait")
	cfg.WriteTimeout = p.duration("ws_write_timeout")
	cfg.LookupCacheTTL = p.duration("lookup_cache_ttl")
	cfg.EventBuffer = p.positiveInt("event_buffer")
	cfg.CustomIDMaxAttempts = p.positiveInt("custom_id_max_attempts")
	cfg.Debug = p.boolean("debug")
	cfg.TraceLog = p.boolean("trace_log")

	if cfg.SecretKey == "" {
		p.fail("SECRET_KEY is required")
	}
	if cfg.DatabaseURL == "" {
		p.fail("DATABASE_URL is required")
	}
	if cfg.PongWait <= cfg.PingInterval {
		p.fail("WS_PONG_WAIT must exceed WS_PING_INTERVAL")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		p.fail("LOG_FORMAT must be text or json")
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// parser collects every invalid setting instead of stopping at the first.
type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) fail(msg string) {
	p.errs = append(p.errs, errors.New(msg))
}

func (p *parser) duration(key string) time.Duration {
	d, err := cast.ToDurationE(p.v.Get(key))
	if err != nil || d <= 0 {
		p.fail(fmt.Sprintf("invalid %s: must be a positive duration", strings.ToUpper(key)))
		return 0
	}
	return d
}

func (p *parser) positiveInt(key string) int {
	n, err := cast.ToIntE(p.v.Get(key))
	if err != nil || n <= 0 {
		p.fail(fmt.Sprintf("invalid %s: must be greater than zero", strings.ToUpper(key)))
		return 0
	}
	return n
}

func (p *parser) boolean(key string) bool {
	b, err := cast.ToBoolE(p.v.Get(key))
	if err != nil {
		p.fail(fmt.Sprintf("invalid %s: must be a boolean", strings.ToUpper(key)))
		return false
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger builds the process logger from the debug and format settings.
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	if c.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}
