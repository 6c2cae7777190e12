// Package contracts holds the authentication and service interfaces shared by the
// HTTP layer and the domain packages.
package contracts

import (
	"context"
	"net/http"
)

// ── Identity ────────────────────────────────────────────────

// Role is the privilege level a credential grants.
type Role string

const (
	RoleRelay Role = "relay"
	RoleAdmin Role = "admin"
)

// Identity represents an authenticated caller.
// Produced by an AuthProvider, consumed by handlers for attribution.
// It never carries the raw credential.
type Identity struct {
	// ActorKeyID is a stable, non-reversible identifier derived from the
	// shared secret the caller presented.
	ActorKeyID string `json:"actor_key_id"`

	// Provider identifies which auth provider authenticated this identity.
	Provider string `json:"provider"`

	// Role is the privilege level of the presented key.
	Role Role `json:"role"`
}

// IsAdmin reports whether the identity holds the admin key.
func (i *Identity) IsAdmin() bool { return i != nil && i.Role == RoleAdmin }

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
//   - Return (*Identity, nil) → authenticated
//   - Return (nil, error) → credential missing or invalid, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "relay-key", "admin-key").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}
