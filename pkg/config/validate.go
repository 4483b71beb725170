package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Storage.Type {
	case "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	switch c.Auth.JWT.Algorithm {
	case "HS256", "HS384", "HS512", "":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.jwt.algorithm must be an HMAC variant, got %q", c.Auth.JWT.Algorithm))
	}

	switch c.Session.CookieSameSite {
	case "lax", "strict", "none", "":
		// valid
	default:
		errs = append(errs, fmt.Errorf("session.cookie_samesite must be \"lax\", \"strict\", or \"none\", got %q", c.Session.CookieSameSite))
	}

	if c.RateLimit.Default.Limit <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.default.limit must be > 0, got %d", c.RateLimit.Default.Limit))
	}
	if c.RateLimit.Default.Window <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.default.window must be > 0"))
	}
	for endpoint, rule := range c.RateLimit.Overrides {
		if rule.Limit <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.overrides[%q]: limit and window must be > 0", endpoint))
		}
	}
	for tier, m := range c.RateLimit.TierMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.tier_multipliers[%q] must be > 0, got %v", tier, m))
		}
	}

	switch c.Signature.Algorithm {
	case "sha256", "sha512", "":
		// valid
	default:
		errs = append(errs, fmt.Errorf("signature.algorithm must be \"sha256\" or \"sha512\", got %q", c.Signature.Algorithm))
	}
	if len(c.Signature.Prefixes) > 0 && c.Signature.Secret == "" && c.Signature.SecretFile == "" {
		errs = append(errs, fmt.Errorf("signature.secret or signature.secret_file is required when signature.prefixes is set"))
	}

	// The pipeline never runs permissive. A config that asks for it is
	// rejected at load time rather than silently corrected.
	if !c.Pipeline.FailClosed {
		errs = append(errs, fmt.Errorf("pipeline.fail_closed must be true"))
	}

	// Requiring an identity without a registry to validate it against
	// would leave the requirement unenforced.
	if c.Pipeline.RequireGID && c.Identity.RegistryPath == "" {
		errs = append(errs, fmt.Errorf("identity.registry_path is required when pipeline.require_gid is true"))
	}

	return errors.Join(errs...)
}
