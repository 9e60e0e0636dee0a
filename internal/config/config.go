// Package config loads service settings from defaults, an optional TOML
// file and QUOTECLAIM_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	envPrefix         = "QUOTECLAIM_"
	DefaultConfigPath = "quoteclaim.toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	Redis     RedisConfig     `toml:"redis"`
	Claim     ClaimConfig     `toml:"claim"`
	Idle      IdleConfig      `toml:"idle"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

type ServerConfig struct {
	Port      string `toml:"port"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	// TrustProxy honours X-Forwarded-For and X-Forwarded-Proto.
	TrustProxy bool `toml:"trust_proxy"`
	// OriginPatterns are extra hosts allowed to open the websocket.
	OriginPatterns []string `toml:"origin_patterns"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuthConfig struct {
	JWTSecret       string `toml:"jwt_secret"`
	Issuer          string `toml:"issuer"`
	SessionTTLSecs  int    `toml:"session_ttl_secs"`
	AdminEmail      string `toml:"admin_email"`
	AdminPassword   string `toml:"admin_password"`
	CleanupInterval int    `toml:"cleanup_interval_secs"`
}

// RedisConfig enables the shared revocation cache. Empty Addr means the
// in-process cache is used.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type ClaimConfig struct {
	TTLSecs     int  `toml:"ttl_secs"`
	StrictEmail bool `toml:"strict_email"`
}

type IdleConfig struct {
	TimeoutSecs            int      `toml:"timeout_secs"`
	WarningSecs            int      `toml:"warning_secs"`
	TickMillis             int      `toml:"tick_ms"`
	ExcludedSignals        []string `toml:"excluded_signals"`
	ActivityExtendsWarning bool     `toml:"activity_extends_warning"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	Burst             int `toml:"burst"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Database: DatabaseConfig{Path: "quoteclaim.db"},
		Auth: AuthConfig{
			Issuer:          "quoteclaim",
			SessionTTLSecs:  int((24 * time.Hour).Seconds()),
			CleanupInterval: int(time.Hour.Seconds()),
		},
		Redis: RedisConfig{Prefix: "quoteclaim:"},
		Claim: ClaimConfig{TTLSecs: int((7 * 24 * time.Hour).Seconds())},
		Idle: IdleConfig{
			TimeoutSecs:     int((15 * time.Minute).Seconds()),
			WarningSecs:     60,
			TickMillis:      1000,
			ExcludedSignals: []string{"mousemove"},
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 30, Burst: 10},
	}
}

// Load builds the configuration. An empty path falls back to
// QUOTECLAIM_CONFIG, then to quoteclaim.toml; a missing file is not an
// error. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from QUOTECLAIM_* variables.
func (c *Config) ApplyEnv() error {
	envString("PORT", &c.Server.Port)
	envString("LOG_LEVEL", &c.Server.LogLevel)
	envString("LOG_FORMAT", &c.Server.LogFormat)
	envString("DB_PATH", &c.Database.Path)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("ADMIN_EMAIL", &c.Auth.AdminEmail)
	envString("ADMIN_PASSWORD", &c.Auth.AdminPassword)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := os.LookupEnv(envPrefix + "IDLE_EXCLUDED_SIGNALS"); ok {
		c.Idle.ExcludedSignals = splitList(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "ORIGIN_PATTERNS"); ok {
		c.Server.OriginPatterns = splitList(v)
	}

	for name, dst := range map[string]*bool{
		"TRUST_PROXY":                   &c.Server.TrustProxy,
		"CLAIM_STRICT_EMAIL":            &c.Claim.StrictEmail,
		"IDLE_ACTIVITY_EXTENDS_WARNING": &c.Idle.ActivityExtendsWarning,
	} {
		if err := envBool(name, dst); err != nil {
			return err
		}
	}

	for name, dst := range map[string]*int{
		"SESSION_TTL_SECS":      &c.Auth.SessionTTLSecs,
		"CLEANUP_INTERVAL_SECS": &c.Auth.CleanupInterval,
		"REDIS_DB":              &c.Redis.DB,
		"CLAIM_TTL_SECS":        &c.Claim.TTLSecs,
		"IDLE_TIMEOUT_SECS":     &c.Idle.TimeoutSecs,
		"IDLE_WARNING_SECS":     &c.Idle.WarningSecs,
		"IDLE_TICK_MS":          &c.Idle.TickMillis,
		"RATE_LIMIT_PER_MINUTE": &c.RateLimit.RequestsPerMinute,
		"RATE_LIMIT_BURST":      &c.RateLimit.Burst,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (QUOTECLAIM_JWT_SECRET) is required"))
	}
	if c.Auth.SessionTTLSecs <= 0 {
		errs = append(errs, errors.New("auth.session_ttl_secs must be positive"))
	}
	if c.Auth.CleanupInterval <= 0 {
		errs = append(errs, errors.New("auth.cleanup_interval_secs must be positive"))
	}
	if c.Claim.TTLSecs <= 0 {
		errs = append(errs, errors.New("claim.ttl_secs must be positive"))
	}
	if c.Idle.TimeoutSecs <= 0 {
		errs = append(errs, errors.New("idle.timeout_secs must be positive"))
	}
	if c.Idle.WarningSecs < 0 || c.Idle.WarningSecs >= c.Idle.TimeoutSecs {
		errs = append(errs, errors.New("idle.warning_secs must be at least 0 and less than idle.timeout_secs"))
	}
	if c.Idle.TickMillis <= 0 {
		errs = append(errs, errors.New("idle.tick_ms must be positive"))
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit values must be positive"))
	}
	if (c.Auth.AdminEmail == "") != (c.Auth.AdminPassword == "") {
		errs = append(errs, errors.New("auth.admin_email and auth.admin_password must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLSecs) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Auth.CleanupInterval) * time.Second
}

func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.Claim.TTLSecs) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Idle.TimeoutSecs) * time.Second
}

func (c *Config) IdleWarning() time.Duration {
	return time.Duration(c.Idle.WarningSecs) * time.Second
}

func (c *Config) IdleTick() time.Duration {
	return time.Duration(c.Idle.TickMillis) * time.Millisecond
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
