package signature

import (
	"context"
	"fmt"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/store"
)

const noncePrefix = "nonce:"

// NonceStore records seen nonces with a retention window. A nonce is
// accepted exactly once; checking and recording are a single atomic
// operation so concurrent replays cannot both pass.
type NonceStore struct {
	kv  store.KV
	ttl time.Duration
}

// NewNonceStore builds a nonce store. Retention should be at least as
// long as the verifier's timestamp tolerance; beyond that window the
// timestamp check rejects the request on its own.
func NewNonceStore(kv store.KV, retention time.Duration) *NonceStore {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &NonceStore{kv: kv, ttl: retention}
}

// CheckAndRecord returns true if the nonce was fresh and is now
// recorded, false if it was already seen. A store error is returned to
// the caller, which must treat it as a rejection.
func (n *NonceStore) CheckAndRecord(ctx context.Context, nonce string) (bool, error) {
	stored, err := n.kv.SetNX(ctx, noncePrefix+nonce, []byte{1}, n.ttl)
	if err != nil {
		return false, fmt.Errorf("recording nonce: %w", err)
	}
	return stored, nil
}
