// Package pipeline orchestrates the security stages run in front of
// every protected request: rate limiting, credential validation,
// identity binding, session attach, and signature verification. Stages
// fail closed; a failure writes one structured rejection and halts the
// chain.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/chainbridge/gatekeeper/pkg/auth"
	"github.com/chainbridge/gatekeeper/pkg/identity"
	"github.com/chainbridge/gatekeeper/pkg/observability"
	"github.com/chainbridge/gatekeeper/pkg/ratelimit"
	"github.com/chainbridge/gatekeeper/pkg/session"
	"github.com/chainbridge/gatekeeper/pkg/signature"
)

// Request-side headers consumed by the pipeline.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// defaultMaxBody bounds how much request body is buffered for signature
// verification.
const defaultMaxBody = 1 << 20

// CookieConfig controls the session cookie set on session creation.
type CookieConfig struct {
	Name     string
	Secure   bool
	SameSite http.SameSite
}

// Pipeline runs the ordered security stages in front of a protected
// handler: rate limiting, credential validation, identity binding,
// session attach, and signature verification. Any stage failure
// produces a structured rejection and stops the chain. Nil components
// disable their stage.
type Pipeline struct {
	Chain    *auth.Chain
	Registry *identity.Registry
	Lanes    *identity.LaneMapper
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Verifier *signature.Verifier

	// RequireIdentity hard-requires a bound agent identity on every
	// authenticated request, not only when a claim is presented.
	RequireIdentity bool

	// SignedPrefixes lists path prefixes whose requests must carry a
	// valid signature.
	SignedPrefixes []string

	// Exempt paths bypass every stage.
	Exempt *Exemptions

	// TierMultipliers scale the rate limit per authenticated tier.
	TierMultipliers map[string]float64

	Cookie CookieConfig
	Logger *slog.Logger

	// MaxBodyBytes bounds signature body buffering. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Handler wraps next with the full stage chain.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.Exempt != nil && p.Exempt.Match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		// Rate limiting runs before authentication so abusive
		// unauthenticated traffic is bounded before any crypto work.
		sess := p.peekSession(ctx, r)
		identifier, tier := p.identify(sess, r)
		if p.Limiter != nil {
			d := p.Limiter.Check(ctx, identifier, r.URL.Path, p.multiplier(tier))
			if !d.Degraded {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				p.audit(r, identifier, "rate limit exceeded")
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
				return
			}
		}

		out := p.Chain.Authenticate(ctx, r)
		if !out.Authenticated {
			observability.AuthAttemptsTotal.WithLabelValues(string(out.Method), "failure").Inc()
			p.audit(r, identifier, "authentication failed: "+out.Error)
			writeError(w, http.StatusUnauthorized, CodeAuthRequired, out.Error)
			return
		}
		observability.AuthAttemptsTotal.WithLabelValues(string(out.Method), "success").Inc()
		ctx = auth.SetOutcome(ctx, &out)

		rec, halted := p.bindIdentity(ctx, w, r, &out)
		if halted {
			return
		}
		if rec != nil {
			ctx = setIdentity(ctx, rec)
		}

		sess = p.attachSession(ctx, w, r, sess, &out)
		if sess != nil {
			ctx = setSession(ctx, sess)
		}

		if p.requiresSignature(r.URL.Path) {
			if !p.verifySignature(ctx, w, r) {
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// peekSession resolves a presented session before authentication so
// rate limiting can key on the session's subject instead of the client
// address. An invalid or expired session never fails the request here;
// it simply does not identify the caller.
func (p *Pipeline) peekSession(ctx context.Context, r *http.Request) *session.Record {
	if p.Sessions == nil {
		return nil
	}
	id := r.Header.Get(HeaderSessionID)
	if id == "" && p.Cookie.Name != "" {
		if c, err := r.Cookie(p.Cookie.Name); err == nil {
			id = c.Value
		}
	}
	if id == "" {
		return nil
	}
	rec, err := p.Sessions.Get(ctx, id)
	if err != nil {
		return nil
	}
	return rec
}

func (p *Pipeline) identify(sess *session.Record, r *http.Request) (identifier, tier string) {
	if sess != nil {
		return "user:" + sess.UserID, sess.Metadata["tier"]
	}
	return "addr:" + clientAddr(r), ""
}

func (p *Pipeline) multiplier(tier string) float64 {
	if tier == "" {
		return 1
	}
	if m, ok := p.TierMultipliers[tier]; ok {
		return m
	}
	return 1
}

// bindIdentity validates a presented identity claim and enforces lane
// permission. Returns halted=true when a rejection was written.
func (p *Pipeline) bindIdentity(ctx context.Context, w http.ResponseWriter, r *http.Request, out *auth.Outcome) (*identity.Record, bool) {
	if p.Registry == nil {
		return nil, false
	}

	var rec *identity.Record
	if out.GID != "" {
		var err error
		rec, err = p.Registry.Validate(ctx, out.GID)
		if err != nil {
			p.audit(r, out.UserID, "identity rejected")
			writeError(w, http.StatusForbidden, CodeInvalidGID, "Unknown agent identity")
			return nil, true
		}
	} else if p.RequireIdentity {
		p.audit(r, out.UserID, "identity required but absent")
		writeError(w, http.StatusForbidden, CodeGIDRequired, "Agent identity required")
		return nil, true
	}

	if rec != nil && p.Lanes != nil {
		if lane, restricted := p.Lanes.LaneFor(r.URL.Path); restricted && !rec.CanExecuteInLane(lane) {
			p.audit(r, out.GID, "lane denied: "+lane)
			writeError(w, http.StatusForbidden, CodeLaneDenied, "Identity not permitted for this lane")
			return nil, true
		}
	}
	return rec, false
}

// attachSession refreshes the presented session or creates a fresh one.
// Session trouble never rejects an authenticated request; the caller
// simply proceeds without one.
func (p *Pipeline) attachSession(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Record, out *auth.Outcome) *session.Record {
	if p.Sessions == nil {
		return nil
	}

	if sess != nil && sess.UserID == out.UserID {
		refreshed, err := p.Sessions.Refresh(ctx, sess.SessionID)
		if err == nil {
			return refreshed
		}
	}

	meta := map[string]string{}
	if out.Tier != "" {
		meta["tier"] = out.Tier
	}
	created, err := p.Sessions.Create(ctx, out.UserID, out.GID, clientAddr(r), r.UserAgent(), meta)
	if err != nil {
		p.logger().Warn("session creation failed", "error", err, "path", r.URL.Path)
		return nil
	}
	if p.Cookie.Name != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     p.Cookie.Name,
			Value:    created.SessionID,
			Path:     "/",
			Expires:  created.ExpiresAt,
			HttpOnly: true,
			Secure:   p.Cookie.Secure,
			SameSite: p.Cookie.SameSite,
		})
	}
	return created
}

func (p *Pipeline) requiresSignature(path string) bool {
	if p.Verifier == nil {
		return false
	}
	for _, prefix := range p.SignedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// verifySignature enforces the signed-request contract. The body is
// buffered and restored so the downstream handler still reads it.
func (p *Pipeline) verifySignature(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		writeError(w, http.StatusUnauthorized, CodeMissingSignature, "Signature required")
		return false
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		writeError(w, http.StatusUnauthorized, CodeMissingTimestamp, "Timestamp required")
		return false
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeInvalidTimestamp, "Timestamp not a unix millisecond value")
		return false
	}

	maxBody := p.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeInvalidSignature, "Signature verification failed")
			return false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	res := p.Verifier.Verify(ctx, signature.Request{
		Method:          r.Method,
		Path:            r.URL.Path,
		TimestampMillis: ts,
		Body:            body,
		Nonce:           r.Header.Get(HeaderNonce),
		Header:          sig,
	})
	if !res.Valid {
		p.audit(r, "", "signature rejected: "+res.Error)
		writeError(w, http.StatusUnauthorized, CodeInvalidSignature, "Signature verification failed")
		return false
	}
	return true
}

// audit logs a rejection with request context. Identifiers are
// truncated; raw credentials never reach the log.
func (p *Pipeline) audit(r *http.Request, identifier, reason string) {
	if len(identifier) > 24 {
		identifier = identifier[:24] + "..."
	}
	p.logger().Info("request rejected",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"identifier", identifier,
		"client_addr", clientAddr(r),
		"request_id", RequestIDFromContext(r.Context()),
	)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
