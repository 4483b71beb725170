// Package apikey validates API keys against a table loaded from a JSON
// file at startup. Keys are stored salted and hashed; a presented key is
// hashed as sha256(salt + key) and compared against every entry with a
// constant-time comparison, so a mismatch never leaks timing about how
// close the key came.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/auth"
)

// Entry is one API key record as stored in the keys file.
type Entry struct {
	Hash      string    `json:"hash"`
	Salt      string    `json:"salt"`
	UserID    string    `json:"user_id"`
	GID       string    `json:"gid"`
	Enabled   bool      `json:"enabled"`
	ExpiresAt time.Time `json:"expires_at"` // zero = never expires
	Scopes    []string  `json:"scopes"`
	Tier      string    `json:"tier"`
}

type storedKey struct {
	keyID string
	hash  []byte
	salt  string
	entry Entry
}

// Validator validates presented keys against the loaded table.
type Validator struct {
	keys []storedKey

	// loadErr marks a validator built from an unreadable table; it fails
	// every validation closed instead of propagating the load failure.
	loadErr error

	now func() time.Time
}

var _ auth.Validator = (*Validator)(nil)

// Load reads the key table from a JSON file. A missing or malformed file
// does not return an error: it produces a validator that rejects every
// key, preserving the fail-closed contract while the condition is logged
// by the caller via Err.
func Load(path string) *Validator {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Validator{loadErr: fmt.Errorf("reading api keys file: %w", err), now: time.Now}
	}
	return parse(data)
}

// New builds a validator from an already-parsed entry table.
func New(entries map[string]Entry) *Validator {
	v := &Validator{now: time.Now}
	for keyID, e := range entries {
		hash, err := hex.DecodeString(e.Hash)
		if err != nil || len(hash) != sha256.Size {
			v.loadErr = fmt.Errorf("api key %s: malformed hash", keyID)
			return &Validator{loadErr: v.loadErr, now: time.Now}
		}
		v.keys = append(v.keys, storedKey{keyID: keyID, hash: hash, salt: e.Salt, entry: e})
	}
	return v
}

func parse(data []byte) *Validator {
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return &Validator{loadErr: fmt.Errorf("parsing api keys file: %w", err), now: time.Now}
	}
	return New(entries)
}

// Err reports a table load failure, nil when the table loaded cleanly.
func (v *Validator) Err() error {
	return v.loadErr
}

// Validate hashes the presented key per entry salt and scans the whole
// table without short-circuiting, then checks enabled and expiry on the
// matched entry.
func (v *Validator) Validate(_ context.Context, key string) auth.Outcome {
	if v.loadErr != nil || key == "" {
		return auth.Failure("Invalid API key")
	}

	matched := -1
	for i, sk := range v.keys {
		sum := sha256.Sum256([]byte(sk.salt + key))
		if subtle.ConstantTimeCompare(sum[:], sk.hash) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return auth.Failure("Invalid API key")
	}

	e := v.keys[matched].entry
	if !e.Enabled {
		return auth.Failure("API key disabled")
	}
	if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(v.now()) {
		return auth.Failure("API key expired")
	}

	return auth.Outcome{
		Authenticated: true,
		Method:        auth.MethodAPIKey,
		UserID:        e.UserID,
		GID:           e.GID,
		Tier:          e.Tier,
		Scopes:        append([]string(nil), e.Scopes...),
		Claims: map[string]any{
			"key_id": v.keys[matched].keyID,
			"scopes": append([]string(nil), e.Scopes...),
			"tier":   e.Tier,
		},
		Timestamp: v.now(),
	}
}

// HashKey returns the stored-form hash for a raw key and salt. Used by
// provisioning tooling and tests.
func HashKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + key))
	return hex.EncodeToString(sum[:])
}
