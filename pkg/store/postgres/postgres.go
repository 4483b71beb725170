// Package postgres provides the shared PostgreSQL backend for pipeline
// state: TTL-bound key-value entries (sessions, nonces) and sliding-window
// rate-limit logs. It uses pgx/v5 for connection pooling; window updates
// run under a per-key advisory lock so concurrent checks never over-admit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainbridge/gatekeeper/pkg/store"
)

// Store is a PostgreSQL-backed KV and window store.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.KV          = (*Store)(nil)
	_ store.WindowStore = (*Store)(nil)
)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get returns the value for key. Entries past their expiry are deleted
// and reported as absent even before the reaper runs.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: querying entry: %w", store.ErrUnavailable, err)
	}

	if expiresAt != nil && !expiresAt.After(time.Now()) {
		// Lazy expiry.
		if _, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
			return nil, false, fmt.Errorf("%w: deleting expired entry: %w", store.ErrUnavailable, err)
		}
		return nil, false, nil
	}

	return value, true, nil
}

// Set stores value under key, replacing any existing entry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
	`, key, value, expiry(ttl))
	if err != nil {
		return fmt.Errorf("%w: upserting entry: %w", store.ErrUnavailable, err)
	}
	return nil
}

// SetNX stores value only if no live entry exists for key. A single upsert
// whose update clause only fires for expired rows keeps the set-once
// semantics atomic across instances.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()
	`, key, value, expiry(ttl))
	if err != nil {
		return false, fmt.Errorf("%w: conditional insert: %w", store.ErrUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes key, reporting whether a live entry was removed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key)
	if err != nil {
		return false, fmt.Errorf("%w: deleting entry: %w", store.ErrUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Keys returns all live keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM kv_entries
		WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now())
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %w", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Slide runs the remove-count-add sequence in one transaction under an
// advisory lock keyed by the bucket, so concurrent checks for the same
// key serialize and the limit is never exceeded.
func (s *Store) Slide(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (store.SlideResult, error) {
	var res store.SlideResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: beginning window tx: %w", store.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return res, fmt.Errorf("%w: acquiring window lock: %w", store.ErrUnavailable, err)
	}

	cutoff := now.Add(-window)
	if _, err := tx.Exec(ctx,
		`DELETE FROM rate_events WHERE bucket = $1 AND ts <= $2`, key, cutoff,
	); err != nil {
		return res, fmt.Errorf("%w: expiring window entries: %w", store.ErrUnavailable, err)
	}

	var count int
	var oldest *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT count(*), min(ts) FROM rate_events WHERE bucket = $1`, key,
	).Scan(&count, &oldest); err != nil {
		return res, fmt.Errorf("%w: counting window entries: %w", store.ErrUnavailable, err)
	}

	res.Count = count
	if count < limit {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_events (bucket, ts) VALUES ($1, $2)`, key, now,
		); err != nil {
			return res, fmt.Errorf("%w: recording admission: %w", store.ErrUnavailable, err)
		}
		res.Admitted = true
		res.Count = count + 1
		if oldest == nil {
			oldest = &now
		}
	}
	if oldest != nil {
		res.Oldest = *oldest
	}

	if err := tx.Commit(ctx); err != nil {
		return store.SlideResult{}, fmt.Errorf("%w: committing window tx: %w", store.ErrUnavailable, err)
	}
	return res, nil
}

// expiry converts a TTL to an absolute expiry, nil for no expiry.
func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}
