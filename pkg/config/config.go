// Package config provides unified configuration for the gatekeeper
// security pipeline.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (GATEKEEPER_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"time"

	"github.com/chainbridge/gatekeeper/pkg/identity"
	"github.com/chainbridge/gatekeeper/pkg/ratelimit"
)

// Config holds all configuration for the gatekeeper.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Identity      IdentityConfig      `yaml:"identity"`
	Session       SessionConfig       `yaml:"session"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Signature     SignatureConfig     `yaml:"signature"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 30s
}

// StorageConfig holds shared-store settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory" or "postgres", default: "memory"
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`          // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`         // default: 25
	MinConns        int32         `yaml:"min_conns"`         // default: 5
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // default: 5m
	MigrateOnStart  bool          `yaml:"migrate_on_start"`  // default: false
}

// AuthConfig holds credential validation settings.
type AuthConfig struct {
	JWT                JWTConfig `yaml:"jwt"`
	APIKeyTable        string    `yaml:"api_key_table"`        // path to the key table JSON
	APIKeyHeader       string    `yaml:"api_key_header"`       // default: "X-API-Key"
	AllowQueryFallback bool      `yaml:"allow_query_fallback"` // default: false
}

// JWTConfig holds bearer token validation settings.
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"` // _file variant for secret
	Algorithm  string `yaml:"algorithm"`   // default: "HS256"
	Issuer     string `yaml:"issuer"`      // default: "chainbridge"
	Audience   string `yaml:"audience"`    // default: "chainbridge-api"
}

// IdentityConfig holds agent registry settings.
type IdentityConfig struct {
	RegistryPath string              `yaml:"registry_path"`
	LaneRules    []identity.LaneRule `yaml:"lane_rules"` // nil = built-in defaults
}

// SessionConfig holds session lifecycle and cookie settings.
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl"`               // default: 1h
	RefreshThreshold time.Duration `yaml:"refresh_threshold"` // default: ttl/4
	CookieName       string        `yaml:"cookie_name"`       // default: "cb_session"
	CookieSecure     bool          `yaml:"cookie_secure"`     // default: true
	CookieSameSite   string        `yaml:"cookie_samesite"`   // "lax", "strict", or "none", default: "lax"
}

// RateLimitConfig holds sliding-window limiter settings.
type RateLimitConfig struct {
	Default   ratelimit.Rule            `yaml:"default"`
	Overrides map[string]ratelimit.Rule `yaml:"overrides"`

	// TierMultipliers scale the limit per authenticated tier, e.g.
	// {"premium": 2.0}. Unlisted tiers use 1.0.
	TierMultipliers map[string]float64 `yaml:"tier_multipliers"`
}

// SignatureConfig holds HMAC verification settings.
type SignatureConfig struct {
	Secret         string        `yaml:"secret"`
	SecretFile     string        `yaml:"secret_file"`     // _file variant for secret
	Algorithm      string        `yaml:"algorithm"`       // "sha256" or "sha512", default: "sha256"
	Tolerance      time.Duration `yaml:"tolerance"`       // default: 5m
	NonceRetention time.Duration `yaml:"nonce_retention"` // default: 10m

	// Prefixes lists path prefixes requiring a signature. Empty
	// disables signature enforcement.
	Prefixes []string `yaml:"prefixes"`
}

// PipelineConfig holds stage orchestration settings.
type PipelineConfig struct {
	// FailClosed must be true. The option exists so a misconfigured
	// override is rejected loudly instead of silently ignored.
	FailClosed bool `yaml:"fail_closed"` // default: true

	// RequireGID rejects authenticated requests that carry no agent
	// identity claim.
	RequireGID bool `yaml:"require_gid"`

	// ExemptPaths bypass authentication. Entries ending in "/*" match
	// by prefix, others match exactly (trailing slash ignored).
	ExemptPaths []string `yaml:"exempt_paths"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns:        25,
				MinConns:        5,
				MaxConnLifetime: 5 * time.Minute,
			},
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			JWT: JWTConfig{
				Algorithm: "HS256",
				Issuer:    "chainbridge",
				Audience:  "chainbridge-api",
			},
		},
		Session: SessionConfig{
			TTL:            time.Hour,
			CookieName:     "cb_session",
			CookieSecure:   true,
			CookieSameSite: "lax",
		},
		RateLimit: RateLimitConfig{
			Default: ratelimit.Rule{Limit: 100, Window: time.Minute},
		},
		Signature: SignatureConfig{
			Algorithm:      "sha256",
			Tolerance:      5 * time.Minute,
			NonceRetention: 10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			FailClosed: true,
			ExemptPaths: []string{
				"/healthz",
				"/readyz",
				"/metrics",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
