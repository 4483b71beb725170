package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Method identifies the credential kind that produced an Outcome.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
	MethodNone   Method = "none"
)

// Outcome is the uniform result of one authentication attempt. It is
// produced fresh per request and immutable after creation.
type Outcome struct {
	Authenticated bool
	Method        Method

	// UserID is the authenticated subject (JWT "sub" or API key user_id).
	UserID string

	// GID is the agent identity claim, when present.
	GID string

	// Tier is the service tier granted by the credential, when any.
	Tier string

	// Scopes lists the authorization scopes granted by the credential.
	Scopes []string

	// Claims carries the full claim set of a validated token.
	Claims map[string]any

	// Error describes why authentication failed. Never contains secret
	// material.
	Error string

	Timestamp time.Time
}

// Failure builds an unauthenticated Outcome with the given error.
func Failure(err string) Outcome {
	return Outcome{Method: MethodNone, Error: err, Timestamp: time.Now()}
}

// Validator examines a raw credential and returns a uniform outcome.
// Implementations never panic outward and never return secrets in Error.
type Validator interface {
	Validate(ctx context.Context, credential string) Outcome
}

// Chain extracts credentials from a request and tries the validators in
// priority order: Authorization bearer token, then the dedicated API key
// header, then the api_key query parameter when enabled.
type Chain struct {
	// Bearer validates tokens from "Authorization: Bearer <token>".
	Bearer Validator

	// APIKey validates keys from APIKeyHeader or the query fallback.
	APIKey Validator

	// APIKeyHeader is the API key header name (default "X-API-Key").
	APIKeyHeader string

	// AllowQueryFallback enables the low-security api_key query parameter.
	// Its use is logged as a security downgrade.
	AllowQueryFallback bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// QueryParam is the API key query parameter honored by the fallback.
const QueryParam = "api_key"

// Authenticate tries each credential source in order and returns the
// first successful outcome. If every presented credential fails, the
// first failure is returned; if no credential is presented at all, the
// outcome is "No valid credentials". A panicking validator is treated as
// a validation failure, never propagated.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) (out Outcome) {
	defer func() {
		if v := recover(); v != nil {
			c.logger().Error("credential validator panicked", "panic", v, "path", r.URL.Path)
			out = Failure("Authentication failed")
		}
	}()

	var failed *Outcome
	keep := func(o Outcome) {
		if failed == nil {
			failed = &o
		}
	}

	if token, ok := bearerToken(r); ok && c.Bearer != nil {
		if o := c.Bearer.Validate(ctx, token); o.Authenticated {
			return o
		} else {
			keep(o)
		}
	}

	header := c.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	if key := r.Header.Get(header); key != "" && c.APIKey != nil {
		if o := c.APIKey.Validate(ctx, key); o.Authenticated {
			return o
		} else {
			keep(o)
		}
	}

	if c.AllowQueryFallback && c.APIKey != nil {
		if key := r.URL.Query().Get(QueryParam); key != "" {
			c.logger().Warn("api key presented via query parameter",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			if o := c.APIKey.Validate(ctx, key); o.Authenticated {
				return o
			} else {
				keep(o)
			}
		}
	}

	if failed != nil {
		return *failed
	}
	return Failure("No valid credentials")
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}

func (c *Chain) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
