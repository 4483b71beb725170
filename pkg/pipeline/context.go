package pipeline

import (
	"context"

	"github.com/chainbridge/gatekeeper/pkg/identity"
	"github.com/chainbridge/gatekeeper/pkg/session"
)

type (
	identityKey struct{}
	sessionKey  struct{}
)

func setIdentity(ctx context.Context, rec *identity.Record) context.Context {
	return context.WithValue(ctx, identityKey{}, rec)
}

// IdentityFromContext returns the bound agent identity, or nil when the
// request carried no identity claim.
func IdentityFromContext(ctx context.Context) *identity.Record {
	if v, ok := ctx.Value(identityKey{}).(*identity.Record); ok {
		return v
	}
	return nil
}

func setSession(ctx context.Context, rec *session.Record) context.Context {
	return context.WithValue(ctx, sessionKey{}, rec)
}

// SessionFromContext returns the session attached to the request, or
// nil when session handling is disabled or degraded.
func SessionFromContext(ctx context.Context) *session.Record {
	if v, ok := ctx.Value(sessionKey{}).(*session.Record); ok {
		return v
	}
	return nil
}
