// Package session issues and tracks authenticated sessions backed by a
// shared key-value store with an in-process fallback.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/observability"
	"github.com/chainbridge/gatekeeper/pkg/store"
	"github.com/chainbridge/gatekeeper/pkg/store/memory"
)

// ErrNotFound is returned when no live session exists for an identifier.
var ErrNotFound = errors.New("session not found")

const (
	keyPrefix   = "session:"
	indexPrefix = "session_user:"

	// idBytes is the entropy of a session identifier. 32 bytes encode
	// to a 64 character hex string.
	idBytes = 32
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Record is the stored state of one session.
type Record struct {
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	GID            string            `json:"gid,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	ClientAddr     string            `json:"client_addr,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Config holds session manager settings.
type Config struct {
	// TTL is the session lifetime. Defaults to one hour.
	TTL time.Duration

	// RefreshThreshold is the remaining lifetime below which Refresh
	// extends the session instead of only touching it. Defaults to a
	// quarter of TTL.
	RefreshThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = c.TTL / 4
	}
}

// Manager creates, resolves, and invalidates sessions. Reads and writes
// go to the primary store; if the primary fails, the manager degrades to
// an in-process fallback so authenticated callers are not logged out by
// a store outage.
type Manager struct {
	primary  store.KV
	fallback store.KV
	cfg      Config
	logger   *slog.Logger

	// Now is the clock used for expiry decisions. Tests override it.
	Now func() time.Time
}

// NewManager builds a session manager over the given primary store.
func NewManager(primary store.KV, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		primary:  primary,
		fallback: memory.New(),
		cfg:      cfg,
		logger:   logger,
		Now:      time.Now,
	}
}

// Create issues a new session for an authenticated principal and returns
// its record. The session identifier carries 256 bits of entropy.
func (m *Manager) Create(ctx context.Context, userID, gid, clientAddr, userAgent string, metadata map[string]string) (*Record, error) {
	if userID == "" {
		return nil, errors.New("session: user id required")
	}

	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	id := hex.EncodeToString(buf)

	now := m.Now().UTC()
	rec := &Record{
		SessionID:      id,
		UserID:         userID,
		GID:            gid,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.cfg.TTL),
		ClientAddr:     clientAddr,
		UserAgent:      userAgent,
		Metadata:       metadata,
	}
	if err := m.put(ctx, rec, m.cfg.TTL); err != nil {
		return nil, err
	}
	observability.SessionsCreatedTotal.Inc()
	return rec, nil
}

// Get resolves a session by identifier. Expired sessions are removed on
// access and reported as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrNotFound
	}

	raw, found, err := m.primary.Get(ctx, keyPrefix+id)
	if err != nil {
		m.degrade("get", err)
		raw, found, err = m.fallback.Get(ctx, keyPrefix+id)
	}
	if err == nil && !found {
		// Sessions created during a primary outage live only in the
		// fallback.
		raw, found, err = m.fallback.Get(ctx, keyPrefix+id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if !m.Now().Before(rec.ExpiresAt) {
		m.delete(ctx, &rec)
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Refresh updates a session's last access time. When the remaining
// lifetime has dropped below the refresh threshold the expiry is pushed
// out by a full TTL; otherwise the expiry is left alone.
func (m *Manager) Refresh(ctx context.Context, id string) (*Record, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	rec.LastAccessedAt = now
	if rec.ExpiresAt.Sub(now) < m.cfg.RefreshThreshold {
		rec.ExpiresAt = now.Add(m.cfg.TTL)
	}
	if err := m.put(ctx, rec, rec.ExpiresAt.Sub(now)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Invalidate removes a session. Removing an unknown session is not an
// error.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	if !idPattern.MatchString(id) {
		return nil
	}
	rec, err := m.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.delete(ctx, rec)
	return nil
}

// InvalidateAll removes every session belonging to a user.
func (m *Manager) InvalidateAll(ctx context.Context, userID string) (int, error) {
	prefix := indexPrefix + userID + ":"

	keys, err := m.primary.Keys(ctx, prefix)
	if err != nil {
		m.degrade("invalidate_all", err)
		keys = nil
	}
	fbKeys, fbErr := m.fallback.Keys(ctx, prefix)
	if fbErr == nil {
		keys = append(keys, fbKeys...)
	}

	n := 0
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		m.deleteByID(ctx, userID, id)
		n++
	}
	return n, nil
}

// put writes a record and its user index entry. Writes go to the primary
// and fall back to the in-process store when the primary is down.
func (m *Manager) put(ctx context.Context, rec *Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	indexKey := indexPrefix + rec.UserID + ":" + rec.SessionID

	if err := m.primary.Set(ctx, keyPrefix+rec.SessionID, raw, ttl); err != nil {
		m.degrade("put", err)
		if err := m.fallback.Set(ctx, keyPrefix+rec.SessionID, raw, ttl); err != nil {
			return fmt.Errorf("writing session: %w", err)
		}
		return m.fallback.Set(ctx, indexKey, []byte(rec.SessionID), ttl)
	}
	return m.primary.Set(ctx, indexKey, []byte(rec.SessionID), ttl)
}

func (m *Manager) delete(ctx context.Context, rec *Record) {
	m.deleteByID(ctx, rec.UserID, rec.SessionID)
}

func (m *Manager) deleteByID(ctx context.Context, userID, id string) {
	for _, kv := range []store.KV{m.primary, m.fallback} {
		if _, err := kv.Delete(ctx, keyPrefix+id); err != nil {
			m.degrade("delete", err)
		}
		kv.Delete(ctx, indexPrefix+userID+":"+id)
	}
}

func (m *Manager) degrade(op string, err error) {
	observability.StoreDegradedTotal.WithLabelValues("session").Inc()
	m.logger.Warn("session store degraded, using fallback", "op", op, "error", err)
}
