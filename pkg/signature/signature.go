// Package signature verifies HMAC request signatures with timestamp
// tolerance and single-use nonces for replay defense.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/observability"
)

// Supported HMAC algorithms.
const (
	AlgSHA256 = "sha256"
	AlgSHA512 = "sha512"
)

// DefaultTolerance is the accepted clock skew between the signed
// timestamp and the verifier's clock.
const DefaultTolerance = 5 * time.Minute

// Request carries the signed elements of one HTTP request.
type Request struct {
	Method string
	Path   string

	// TimestampMillis is the client's signing time as Unix
	// milliseconds, taken from the timestamp header.
	TimestampMillis int64

	Body  []byte
	Nonce string

	// Header is the raw signature header value, "alg=base64sig".
	Header string
}

// Outcome is a verification result. Error is a short lowercase reason
// safe to log; it is never the expected signature.
type Outcome struct {
	Valid bool
	Error string
}

func reject(reason string) Outcome {
	observability.SignatureFailuresTotal.WithLabelValues(reason).Inc()
	return Outcome{Error: reason}
}

// Config holds verifier settings.
type Config struct {
	Secret []byte

	// Algorithm is AlgSHA256 or AlgSHA512. Defaults to AlgSHA256.
	Algorithm string

	// Tolerance bounds |now - signed timestamp|. Defaults to
	// DefaultTolerance.
	Tolerance time.Duration
}

// Verifier checks request signatures. All rejection paths are uniform:
// a caller learns only that verification failed, not which element
// failed, unless it inspects the Outcome reason server-side.
type Verifier struct {
	cfg    Config
	nonces *NonceStore

	// Now is the verifier clock. Tests override it.
	Now func() time.Time
}

// NewVerifier builds a verifier. nonces may be nil to disable replay
// tracking (signing tools, tests).
func NewVerifier(cfg Config, nonces *NonceStore) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("signature: secret required")
	}
	switch cfg.Algorithm {
	case "":
		cfg.Algorithm = AlgSHA256
	case AlgSHA256, AlgSHA512:
	default:
		return nil, fmt.Errorf("signature: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	return &Verifier{cfg: cfg, nonces: nonces, Now: time.Now}, nil
}

func hashFor(alg string) func() hash.Hash {
	if alg == AlgSHA512 {
		return sha512.New
	}
	return sha256.New
}

// canonical builds the signing string:
//
//	METHOD|PATH|TIMESTAMP_MS|SHA256HEX(BODY)|NONCE
//
// The body is folded to its SHA-256 hex digest so large payloads hash
// once and the canonical form stays printable.
func canonical(method, path string, tsMillis int64, body []byte, nonce string) string {
	bodyHash := sha256.Sum256(body)
	return fmt.Sprintf("%s|%s|%d|%s|%s",
		strings.ToUpper(method), path, tsMillis, hex.EncodeToString(bodyHash[:]), nonce)
}

// Compute returns the signature header value for a request, in the form
// "alg=base64sig". Clients and tests sign with this.
func (v *Verifier) Compute(method, path string, tsMillis int64, body []byte, nonce string) string {
	mac := hmac.New(hashFor(v.cfg.Algorithm), v.cfg.Secret)
	mac.Write([]byte(canonical(method, path, tsMillis, body, nonce)))
	return v.cfg.Algorithm + "=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks one request. Order: header shape, algorithm, timestamp
// tolerance, nonce freshness, then the HMAC itself. An empty nonce
// skips replay tracking; the timestamp tolerance is the only replay
// bound for such requests. When present, the nonce is recorded before
// the HMAC compare; burning a nonce on a bad signature is acceptable,
// admitting a replay is not.
func (v *Verifier) Verify(ctx context.Context, req Request) Outcome {
	alg, sig, ok := strings.Cut(req.Header, "=")
	if !ok || alg == "" || sig == "" {
		return reject("malformed signature header")
	}
	if alg != v.cfg.Algorithm {
		return reject("algorithm mismatch")
	}
	if req.TimestampMillis <= 0 {
		return reject("missing timestamp")
	}

	now := v.Now().UnixMilli()
	skew := now - req.TimestampMillis
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.Tolerance.Milliseconds() {
		return reject("timestamp outside tolerance")
	}

	if v.nonces != nil && req.Nonce != "" {
		fresh, err := v.nonces.CheckAndRecord(ctx, req.Nonce)
		if err != nil {
			// Store down: fail closed. Admitting here would turn an
			// outage into a replay window.
			return reject("replay check unavailable")
		}
		if !fresh {
			return reject("replay detected")
		}
	}

	want := v.Compute(req.Method, req.Path, req.TimestampMillis, req.Body, req.Nonce)
	if hmac.Equal([]byte(req.Header), []byte(want)) {
		return Outcome{Valid: true}
	}
	return reject("signature mismatch")
}
