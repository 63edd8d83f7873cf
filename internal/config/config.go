// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreKind identifies which session store backs the admission engine.
type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
	StoreMemory   StoreKind = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health server; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL selects and configures the session store:
	// postgres://... for Postgres, sqlite://path or file:path for SQLite, memory:// for tests and demos.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Auth0Domain is the identity provider domain or URL; the issuer is derived from it.
	Auth0Domain string `mapstructure:"AUTH0_DOMAIN"`
	// Auth0Audience is the aud claim every accepted token must carry.
	Auth0Audience string `mapstructure:"AUTH0_AUDIENCE"`
	// SessionMax is the per-identity cap on concurrently active device sessions.
	SessionMax int `mapstructure:"SESSION_MAX_CONCURRENT"`
	// JWKSTimeout bounds each discovery and key set fetch (e.g. "5s").
	JWKSTimeout string `mapstructure:"JWKS_TIMEOUT"`
	// JWTPublicKey is an optional PEM public key (inline or file path). When set, tokens are verified
	// against it instead of the provider's JWKS; meant for local development.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPublicKeyID is the kid the static public key answers to.
	JWTPublicKeyID string `mapstructure:"JWT_PUBLIC_KEY_ID"`
	// DevicePolicyFile is an optional Rego module replacing the built-in device policy.
	DevicePolicyFile string `mapstructure:"DEVICE_POLICY_FILE"`
	// LogLevel is the slog level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// OTLPSampleRatio is the fraction of root traces sampled, 0 to 1.
	OTLPSampleRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_ARG"`
	// TrustedProxies is a comma-separated list of IPs or CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are honoured. Empty means the peer address is always the client.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "sqlite://./app.db")
	v.SetDefault("AUTH0_DOMAIN", "")
	v.SetDefault("AUTH0_AUDIENCE", "")
	v.SetDefault("SESSION_MAX_CONCURRENT", 3)
	v.SetDefault("JWKS_TIMEOUT", "5s")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY_ID", "static")
	v.SetDefault("DEVICE_POLICY_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.Issuer() == "" {
		return nil, errors.New("config: AUTH0_DOMAIN must be set")
	}
	if strings.TrimSpace(cfg.Auth0Audience) == "" {
		return nil, errors.New("config: AUTH0_AUDIENCE must be set")
	}
	if cfg.SessionMax < 1 {
		return nil, errors.New("config: SESSION_MAX_CONCURRENT must be at least 1")
	}
	if cfg.OTLPSampleRatio < 0 || cfg.OTLPSampleRatio > 1 {
		return nil, errors.New("config: OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if _, err := cfg.TrustedProxyPrefixes(); err != nil {
		return nil, err
	}
	kind, err := cfg.StoreKind()
	if err != nil {
		return nil, err
	}
	if kind == StoreMemory && cfg.Env == "production" {
		return nil, errors.New("config: DATABASE_URL=memory:// must not be used when APP_ENV=production")
	}

	return &cfg, nil
}

// Issuer returns the expected iss claim: the domain with an https:// scheme when none is given
// and exactly one trailing slash. Returns "" when AUTH0_DOMAIN is unset.
func (c *Config) Issuer() string {
	domain := strings.TrimSpace(c.Auth0Domain)
	domain = strings.TrimRight(domain, "/")
	if domain == "" {
		return ""
	}
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	return domain + "/"
}

// JWKSTimeoutDuration parses JWKSTimeout as a time.Duration. Returns 5s if unset or invalid.
func (c *Config) JWKSTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.JWKSTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, field := range strings.Split(c.TrustedProxies, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("config: TRUSTED_PROXIES entry %q: %w", field, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("config: TRUSTED_PROXIES entry %q: %w", field, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// StoreKind derives the session store backend from DatabaseURL.
func (c *Config) StoreKind() (StoreKind, error) {
	u := strings.TrimSpace(c.DatabaseURL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return StorePostgres, nil
	case strings.HasPrefix(u, "sqlite://"), strings.HasPrefix(u, "sqlite3://"), strings.HasPrefix(u, "file:"):
		return StoreSQLite, nil
	case strings.HasPrefix(u, "memory://"):
		return StoreMemory, nil
	case u == "":
		return "", errors.New("config: DATABASE_URL must be set")
	default:
		return "", errors.New("config: DATABASE_URL must start with postgres://, sqlite://, file: or memory://")
	}
}

// SQLitePath returns the database path for a SQLite DatabaseURL (sqlite://./app.db -> ./app.db).
func (c *Config) SQLitePath() string {
	u := strings.TrimSpace(c.DatabaseURL)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(u, prefix) {
			return strings.TrimPrefix(u, prefix)
		}
	}
	return u
}

// LoadDatabaseURL reads only DATABASE_URL from .env and the environment, for tools that
// touch the store without serving tokens (e.g. cmd/migrate).
func LoadDatabaseURL() string {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()
	return strings.TrimSpace(v.GetString("DATABASE_URL"))
}
