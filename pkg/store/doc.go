// Package store defines the shared-state interfaces used by the security
// pipeline: a TTL-aware key-value store (sessions, nonces) and a sliding
// window store (rate limiting). Two implementations exist: memory for
// single-instance deployments and in-process fallback, and postgres for
// distributed deployments. Callers select a backend at startup and are
// otherwise oblivious to which one serves them.
package store
