package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/auth"
	"github.com/chainbridge/gatekeeper/pkg/identity"
	"github.com/chainbridge/gatekeeper/pkg/ratelimit"
	"github.com/chainbridge/gatekeeper/pkg/session"
	"github.com/chainbridge/gatekeeper/pkg/signature"
	"github.com/chainbridge/gatekeeper/pkg/store/memory"
)

// stubValidator returns a fixed outcome for any credential.
type stubValidator struct{ out auth.Outcome }

func (s stubValidator) Validate(context.Context, string) auth.Outcome { return s.out }

func okOutcome(gid string) auth.Outcome {
	return auth.Outcome{
		Authenticated: true,
		Method:        auth.MethodJWT,
		UserID:        "agent-1",
		GID:           gid,
		Timestamp:     time.Now(),
	}
}

func testRegistry() *identity.Registry {
	return identity.NewFromAgents(map[string]identity.Record{
		"GID-01": {Name: "CODY", ExecutionLanes: []string{"CORE", "API"}},
		"GID-02": {Name: "VERA", ExecutionLanes: []string{"GOVERNANCE", "API"}},
	})
}

func newTestPipeline(mutate func(*Pipeline)) *Pipeline {
	p := &Pipeline{
		Chain:    &auth.Chain{Bearer: stubValidator{okOutcome("GID-01")}},
		Registry: testRegistry(),
		Lanes:    identity.NewLaneMapper(nil),
		Sessions: session.NewManager(memory.New(), session.Config{TTL: time.Hour}, nil),
		Limiter: ratelimit.New(memory.New(), ratelimit.Config{
			Default: ratelimit.Rule{Limit: 100, Window: time.Minute},
		}, nil),
		Exempt: NewExemptions([]string{"/healthz", "/v1/public/*"}),
		Cookie: CookieConfig{Name: "cb_session", Secure: true, SameSite: http.SameSiteLaxMode},
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func serve(p *Pipeline, req *http.Request) (*httptest.ResponseRecorder, *bool) {
	reached := false
	handler := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, &reached
}

func authedRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer any")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body
}

func TestExemptPathBypassesAllStages(t *testing.T) {
	p := newTestPipeline(nil)

	// No credentials at all.
	rec, reached := serve(p, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || !*reached {
		t.Errorf("exempt path: status %d, reached=%v", rec.Code, *reached)
	}

	rec, reached = serve(p, httptest.NewRequest("GET", "/v1/public/docs/index", nil))
	if rec.Code != http.StatusOK || !*reached {
		t.Errorf("exempt prefix: status %d, reached=%v", rec.Code, *reached)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	p := newTestPipeline(nil)

	rec, reached := serve(p, httptest.NewRequest("GET", "/v1/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if *reached {
		t.Error("handler reached despite rejection")
	}
	body := decodeError(t, rec)
	if body.Code != CodeAuthRequired {
		t.Errorf("code = %q, want %s", body.Code, CodeAuthRequired)
	}
	if body.Error != http.StatusText(http.StatusUnauthorized) {
		t.Errorf("error = %q, want status text", body.Error)
	}
	if body.Message == "" {
		t.Error("message should carry the failure reason")
	}
}

func TestFailedCredentialMessage(t *testing.T) {
	p := newTestPipeline(func(p *Pipeline) {
		p.Chain = &auth.Chain{Bearer: stubValidator{auth.Failure("Token expired")}}
	})

	rec, _ := serve(p, authedRequest("GET", "/v1/sessions"))
	if body := decodeError(t, rec); body.Message != "Token expired" {
		t.Errorf("message = %q, want Token expired", body.Message)
	}
}

func TestAuthenticatedPassesWithHeaders(t *testing.T) {
	p := newTestPipeline(nil)

	rec, reached := serve(p, authedRequest("GET", "/v1/sessions"))
	if rec.Code != http.StatusOK || !*reached {
		t.Fatalf("status = %d, reached=%v", rec.Code, *reached)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" ||
		rec.Header().Get("X-RateLimit-Remaining") == "" ||
		rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("successful response missing X-RateLimit headers")
	}
}

func TestRateLimitPrecedesAuthentication(t *testing.T) {
	p := newTestPipeline(func(p *Pipeline) {
		p.Limiter = ratelimit.New(memory.New(), ratelimit.Config{
			Default: ratelimit.Rule{Limit: 1, Window: time.Minute},
		}, nil)
	})

	// First request, no credentials: consumes the budget before being
	// rejected at the auth stage.
	rec, _ := serve(p, httptest.NewRequest("GET", "/v1/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("first request status = %d, want 401", rec.Code)
	}

	// Second request is cut off by the limiter without touching auth.
	rec, _ = serve(p, httptest.NewRequest("GET", "/v1/sessions", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != CodeRateLimited {
		t.Errorf("code = %q, want %s", body.Code, CodeRateLimited)
	}
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want integer in (0, 60]", rec.Header().Get("Retry-After"))
	}
}

func TestUnknownIdentityRejected(t *testing.T) {
	p := newTestPipeline(func(p *Pipeline) {
		p.Chain = &auth.Chain{Bearer: stubValidator{okOutcome("GID-99")}}
	})

	rec, _ := serve(p, authedRequest("GET", "/v1/sessions"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeInvalidGID {
		t.Errorf("code = %q, want %s", body.Code, CodeInvalidGID)
	}
}

func TestLaneDenied(t *testing.T) {
	p := newTestPipeline(nil) // GID-01: CORE and API only

	rec, _ := serve(p, authedRequest("POST", "/v1/governance/override"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeLaneDenied {
		t.Errorf("code = %q, want %s", body.Code, CodeLaneDenied)
	}

	// Same identity is fine in its own lane.
	rec, reached := serve(p, authedRequest("POST", "/v1/transaction/submit"))
	if rec.Code != http.StatusOK || !*reached {
		t.Errorf("permitted lane: status %d, reached=%v", rec.Code, *reached)
	}
}

func TestIdentityRequiredButAbsent(t *testing.T) {
	p := newTestPipeline(func(p *Pipeline) {
		p.Chain = &auth.Chain{Bearer: stubValidator{okOutcome("")}}
		p.RequireIdentity = true
	})

	rec, _ := serve(p, authedRequest("GET", "/v1/sessions"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeGIDRequired {
		t.Errorf("code = %q, want %s", body.Code, CodeGIDRequired)
	}
}

func TestNoIdentityClaimPassesWhenOptional(t *testing.T) {
	p := newTestPipeline(func(p *Pipeline) {
		p.Chain = &auth.Chain{Bearer: stubValidator{okOutcome("")}}
	})

	rec, reached := serve(p, authedRequest("GET", "/v1/sessions"))
	if rec.Code != http.StatusOK || !*reached {
		t.Errorf("status = %d, reached=%v", rec.Code, *reached)
	}
}

func TestSessionCookieIssuedAndReused(t *testing.T) {
	p := newTestPipeline(nil)
	handler := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFromContext(r.Context()) == nil {
			t.Error("no session in request context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest("GET", "/v1/sessions"))

	cookies := rec.Result().Cookies()
	var sess *http.Cookie
	for _, c := range cookies {
		if c.Name == "cb_session" {
			sess = c
		}
	}
	if sess == nil {
		t.Fatal("no session cookie set")
	}
	if !sess.HttpOnly || !sess.Secure || sess.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes: HttpOnly=%v Secure=%v SameSite=%v", sess.HttpOnly, sess.Secure, sess.SameSite)
	}
	if len(sess.Value) != 64 {
		t.Errorf("session id length = %d, want 64", len(sess.Value))
	}

	// Presenting the cookie reuses the session instead of minting a
	// second one.
	req := authedRequest("GET", "/v1/sessions")
	req.AddCookie(sess)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == "cb_session" {
			t.Error("second request minted a new session cookie")
		}
	}
}

func TestSessionHeaderHonored(t *testing.T) {
	p := newTestPipeline(nil)

	created, err := p.Sessions.Create(context.Background(), "agent-1", "GID-01", "", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var got string
	handler := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := SessionFromContext(r.Context()); s != nil {
			got = s.SessionID
		}
	}))
	req := authedRequest("GET", "/v1/sessions")
	req.Header.Set(HeaderSessionID, created.SessionID)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != created.SessionID {
		t.Errorf("attached session %q, want %q", got, created.SessionID)
	}
}

func newSignedPipeline(secret []byte) (*Pipeline, *signature.Verifier) {
	v, _ := signature.NewVerifier(
		signature.Config{Secret: secret},
		signature.NewNonceStore(memory.New(), 10*time.Minute),
	)
	p := newTestPipeline(func(p *Pipeline) {
		p.Verifier = v
		p.SignedPrefixes = []string{"/v1/transaction"}
	})
	return p, v
}

func TestSignatureMissingHeaders(t *testing.T) {
	p, _ := newSignedPipeline([]byte("secret"))

	rec, _ := serve(p, authedRequest("POST", "/v1/transaction/submit"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeMissingSignature {
		t.Errorf("code = %q, want %s", body.Code, CodeMissingSignature)
	}

	req := authedRequest("POST", "/v1/transaction/submit")
	req.Header.Set(HeaderSignature, "sha256=abc")
	rec, _ = serve(p, req)
	if body := decodeError(t, rec); body.Code != CodeMissingTimestamp {
		t.Errorf("code = %q, want %s", body.Code, CodeMissingTimestamp)
	}

	req = authedRequest("POST", "/v1/transaction/submit")
	req.Header.Set(HeaderSignature, "sha256=abc")
	req.Header.Set(HeaderTimestamp, "not-a-number")
	rec, _ = serve(p, req)
	if body := decodeError(t, rec); body.Code != CodeInvalidTimestamp {
		t.Errorf("code = %q, want %s", body.Code, CodeInvalidTimestamp)
	}
}

func TestSignatureInvalidRejected(t *testing.T) {
	p, _ := newSignedPipeline([]byte("secret"))

	req := authedRequest("POST", "/v1/transaction/submit")
	req.Header.Set(HeaderSignature, "sha256=AAAA")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().UnixMilli(), 10))
	req.Header.Set(HeaderNonce, "n-1")
	rec, _ := serve(p, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeInvalidSignature {
		t.Errorf("code = %q, want %s", body.Code, CodeInvalidSignature)
	}
}

func TestSignedRequestBodyPreserved(t *testing.T) {
	p, v := newSignedPipeline([]byte("secret"))

	payload := `{"amount":100}`
	ts := time.Now().UnixMilli()
	req := authedRequest("POST", "/v1/transaction/submit")
	req.Body = httptest.NewRequest("POST", "/v1/transaction/submit", strings.NewReader(payload)).Body
	req.Header.Set(HeaderSignature, v.Compute("POST", "/v1/transaction/submit", ts, []byte(payload), "n-1"))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, "n-1")

	var seen string
	handler := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if seen != payload {
		t.Errorf("downstream body = %q, want original payload", seen)
	}
}

func TestUnsignedPrefixSkipsVerification(t *testing.T) {
	p, _ := newSignedPipeline([]byte("secret"))

	rec, reached := serve(p, authedRequest("GET", "/v1/sessions"))
	if rec.Code != http.StatusOK || !*reached {
		t.Errorf("status = %d, reached=%v", rec.Code, *reached)
	}
}

func TestOutcomeInContext(t *testing.T) {
	p := newTestPipeline(nil)

	var out *auth.Outcome
	handler := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out = auth.OutcomeFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), authedRequest("GET", "/v1/sessions"))

	if out == nil || out.UserID != "agent-1" {
		t.Fatalf("context outcome = %+v", out)
	}
	if IdentityFromContext(context.Background()) != nil {
		t.Error("identity leaked into an unrelated context")
	}
}

func TestExemptions(t *testing.T) {
	e := NewExemptions([]string{"/healthz", "/metrics/", "/v1/public/*"})

	tests := []struct {
		path string
		want bool
	}{
		{"/healthz", true},
		{"/healthz/", true},
		{"/metrics", true},
		{"/v1/public/docs", true},
		{"/v1/public/docs/deep/path", true},
		{"/v1/publication", false},
		{"/v1/sessions", false},
		{"/healthzz", false},
	}
	for _, tt := range tests {
		if got := e.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
