// Package memory provides in-process implementations of store.KV and
// store.WindowStore, used for single-instance deployments and as the
// fallback when the shared backend is unreachable. TTLs are enforced
// lazily on read.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/store"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Store is a mutex-guarded in-memory KV and window store.
type Store struct {
	// Now supplies the current time; tests override it.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	windows map[string][]time.Time
}

var (
	_ store.KV          = (*Store)(nil)
	_ store.WindowStore = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		Now:     time.Now,
		entries: make(map[string]entry),
		windows: make(map[string][]time.Time),
	}
}

func (s *Store) live(e entry, now time.Time) bool {
	return e.expiresAt.IsZero() || e.expiresAt.After(now)
}

// Get returns the value for key. Expired entries are deleted and reported
// as absent.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.live(e, s.Now()) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

// SetNX stores value only if no live entry exists for key.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && s.live(e, s.Now()) {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// Delete removes key, reporting whether a live entry was removed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	delete(s.entries, key)
	return ok && s.live(e, s.Now()), nil
}

// Keys returns all live keys with the given prefix.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var keys []string
	for k, e := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !s.live(e, now) {
			delete(s.entries, k)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Slide implements the sliding-window log: drop entries older than
// now-window, count survivors, and record now when under limit.
func (s *Store) Slide(_ context.Context, key string, now time.Time, window time.Duration, limit int) (store.SlideResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	res := store.SlideResult{Count: len(kept)}
	if len(kept) < limit {
		kept = append(kept, now)
		res.Admitted = true
		res.Count = len(kept)
	}
	if len(kept) > 0 {
		res.Oldest = kept[0]
	}

	if len(kept) == 0 {
		delete(s.windows, key)
	} else {
		s.windows[key] = kept
	}
	return res, nil
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.Now().Add(ttl)
	}
	return e
}
