// Package jwt validates HMAC-signed bearer tokens for the gatekeeper.
//
// Tokens must carry an expiry claim and are checked with zero leeway:
// a token one second past its expiry is rejected. Issuer and audience
// are enforced when configured; the audience claim may be a single value
// or a set. Signature verification recomputes the HMAC over the signing
// input with the shared secret and compares in constant time (delegated
// to golang-jwt's HMAC signing method).
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/chainbridge/gatekeeper/pkg/auth"
)

// Config holds the JWT validator configuration.
type Config struct {
	// Secret is the shared HMAC secret (required).
	Secret string

	// Algorithm is the accepted signing algorithm: HS256 (default),
	// HS384, or HS512. Tokens signed with any other algorithm are
	// rejected.
	Algorithm string

	// Issuer is the expected "iss" claim. If empty, issuer is not checked.
	Issuer string

	// Audience is the expected "aud" claim. If empty, audience is not
	// checked. Matching succeeds when the configured audience appears in
	// the claim whether it is a scalar or a list.
	Audience string
}

// applyDefaults fills in zero-value fields.
func (c *Config) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}
}

// Validator validates HMAC JWTs against a shared secret.
type Validator struct {
	config Config
	secret []byte
	parser *jwtlib.Parser
}

var _ auth.Validator = (*Validator)(nil)

// New creates a JWT validator with the given configuration.
func New(cfg Config) *Validator {
	cfg.applyDefaults()

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{cfg.Algorithm}),
		jwtlib.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}

	return &Validator{
		config: cfg,
		secret: []byte(cfg.Secret),
		parser: jwtlib.NewParser(opts...),
	}
}

// Validate parses and verifies a bearer token. Any failure, including an
// unexpected internal one, yields an unauthenticated outcome.
func (v *Validator) Validate(_ context.Context, tokenStr string) auth.Outcome {
	if tokenStr == "" {
		return auth.Failure("Malformed token")
	}

	token, err := v.parser.Parse(tokenStr, func(token *jwtlib.Token) (any, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return auth.Failure(failureMessage(err))
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return auth.Failure("Invalid token")
	}

	subject := claimString(claims, "sub")
	gid := claimString(claims, "gid")
	if subject == "" && gid == "" {
		return auth.Failure("Token missing subject")
	}

	out := auth.Outcome{
		Authenticated: true,
		Method:        auth.MethodJWT,
		UserID:        subject,
		GID:           gid,
		Tier:          claimString(claims, "tier"),
		Claims:        make(map[string]any, len(claims)),
		Timestamp:     time.Now(),
	}
	for k, val := range claims {
		out.Claims[k] = val
	}
	return out
}

// failureMessage maps parser errors to the platform's stable rejection
// strings. The mapping never exposes token contents.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwtlib.ErrTokenInvalidIssuer):
		return "Invalid issuer"
	case errors.Is(err, jwtlib.ErrTokenInvalidAudience):
		return "Invalid audience"
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid):
		return "Invalid signature"
	case errors.Is(err, jwtlib.ErrTokenRequiredClaimMissing):
		return "Token missing expiry"
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}

// claimString extracts a string claim, empty when missing or not a string.
func claimString(claims jwtlib.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}
