// Package config loads gatekeep settings from an optional YAML file, GATEKEEP_*
// environment variables and defaults.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gatekeep.dev/internal/session"
)

const EnvPrefix = "GATEKEEP"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Session  SessionConfig  `mapstructure:"session"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

type HTTPConfig struct {
	Addr            string          `mapstructure:"addr"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`

	// TrustedProxies lists the peers whose X-Forwarded-For header is believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RateLimitConfig struct {
	Burst     int     `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"per_second"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects PostgreSQL. An empty DSN runs on in-memory stores.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig enables the invalidation bus when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type AuthConfig struct {
	TokenSecret  string        `mapstructure:"token_secret"`
	TokenIssuer  string        `mapstructure:"token_issuer"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	SuperAdmins  []string      `mapstructure:"super_admins"`
	CatalogPath  string        `mapstructure:"catalog_path"`
	MaxRoleDepth int           `mapstructure:"max_role_depth"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	SweepTimeout   time.Duration `mapstructure:"sweep_timeout"`
}

type MFAConfig struct {
	Issuer               string `mapstructure:"issuer"`
	EncryptionKey        string `mapstructure:"encryption_key"`
	MaxAttemptsPerMinute int    `mapstructure:"max_attempts_per_minute"`
}

type RiskConfig struct {
	SuspiciousAgents []string            `mapstructure:"suspicious_agents"`
	AnonymizerCIDRs  []string            `mapstructure:"anonymizer_cidrs"`
	TrustedCIDRs     []string            `mapstructure:"trusted_cidrs"`
	BusinessHours    BusinessHoursConfig `mapstructure:"business_hours"`
}

type BusinessHoursConfig struct {
	Start    int    `mapstructure:"start"`
	End      int    `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

type AuditConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

func setDefaults(v *viper.Viper) {
	risk := session.DefaultRiskPolicy()
	defaults := map[string]any{
		"http.addr":                    ":8080",
		"http.shutdown_timeout":        15 * time.Second,
		"http.rate_limit.burst":        20,
		"http.rate_limit.per_second":   10.0,
		"http.trusted_proxies":         []string{},
		"grpc.addr":                    ":9090",
		"database.dsn":                 "",
		"database.max_open_conns":      20,
		"redis.addr":                   "",
		"redis.password":               "",
		"redis.db":                     0,
		"redis.channel":                "gatekeep:invalidate",
		"auth.token_secret":            "",
		"auth.token_issuer":            "gatekeep",
		"auth.token_ttl":               time.Hour,
		"auth.super_admins":            []string{},
		"auth.catalog_path":            "",
		"auth.max_role_depth":          16,
		"cache.ttl":                    5 * time.Minute,
		"session.default_timeout":      session.DefaultTimeout,
		"session.max_concurrent":       5,
		"session.sweep_schedule":       "@every 1m",
		"session.sweep_timeout":        session.DefaultSweepTimeout,
		"mfa.issuer":                   "gatekeep",
		"mfa.encryption_key":           "",
		"mfa.max_attempts_per_minute":  5,
		"risk.suspicious_agents":       risk.SuspiciousAgents,
		"risk.anonymizer_cidrs":        []string{},
		"risk.trusted_cidrs":           []string{},
		"risk.business_hours.start":    risk.BusinessHours.Start,
		"risk.business_hours.end":      risk.BusinessHours.End,
		"risk.business_hours.timezone": "UTC",
		"audit.queue_size":             1024,
		"audit.workers":                2,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads path (optional) and the environment. It does not validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		errs = append(errs, errors.New("auth.token_secret is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Auth.MaxRoleDepth <= 0 {
		errs = append(errs, errors.New("auth.max_role_depth must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Session.MaxConcurrent < 0 {
		errs = append(errs, errors.New("session.max_concurrent must not be negative"))
	}
	if _, err := c.MFA.Key(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Risk.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HTTP.Proxies(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Key decodes the secret sealing key. Nil means none is configured.
func (m MFAConfig) Key() ([]byte, error) {
	raw := strings.TrimSpace(m.EncryptionKey)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, errors.New("mfa.encryption_key must be 64 hex characters")
	}
	return key, nil
}

// Proxies parses http.trusted_proxies.
func (h HTTPConfig) Proxies() ([]netip.Prefix, error) {
	nets, err := session.ParsePrefixes(h.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("http.trusted_proxies: %w", err)
	}
	return nets, nil
}

// Policy builds the session risk policy.
func (r RiskConfig) Policy() (session.RiskPolicy, error) {
	anon, err := session.ParsePrefixes(r.AnonymizerCIDRs)
	if err != nil {
		return session.RiskPolicy{}, fmt.Errorf("risk.anonymizer_cidrs: %w", err)
	}
	trusted, err := session.ParsePrefixes(r.TrustedCIDRs)
	if err != nil {
		return session.RiskPolicy{}, fmt.Errorf("risk.trusted_cidrs: %w", err)
	}
	bh := r.BusinessHours
	if bh.Start < 0 || bh.Start > 23 || bh.End < 0 || bh.End > 24 {
		return session.RiskPolicy{}, fmt.Errorf("risk.business_hours: hours out of range (%d-%d)", bh.Start, bh.End)
	}
	tz := bh.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return session.RiskPolicy{}, fmt.Errorf("risk.business_hours.timezone: %w", err)
	}
	return session.RiskPolicy{
		SuspiciousAgents: r.SuspiciousAgents,
		AnonymizerNets:   anon,
		TrustedNets:      trusted,
		BusinessHours:    session.BusinessHours{Start: bh.Start, End: bh.End % 24, Location: loc},
	}, nil
}
