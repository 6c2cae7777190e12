package middleware

import (
	"context"

	"github.com/venturecrane/crane-relay/pkg/contracts"
)

const identityKey contextKey = "identity"

// SetIdentity stores the authenticated Identity in the context.
// Called by the auth middleware after successful authentication.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// Returns nil if no identity is set (public endpoints).
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}

// ActorKeyID returns the caller's actor key ID, or "" when unauthenticated.
func ActorKeyID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.ActorKeyID
	}
	return ""
}
