// Package auth validates the shared relay and admin secrets and derives
// the pseudonymous actor key ID used for attribution.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/venturecrane/crane-relay/pkg/contracts"
)

// Request headers carrying the shared secrets.
const (
	HeaderRelayKey = "X-Relay-Key"
	HeaderAdminKey = "X-Admin-Key"
)

var (
	ErrMissingKey    = errors.New("missing credential")
	ErrInvalidKey    = errors.New("invalid credential")
	ErrNotConfigured = errors.New("credential not configured")
)

// actorDomainKey separates actor key IDs from any other keyed hash of the
// same secret. ASCII, zero-padded to the 32 bytes BLAKE3 keyed mode needs.
var actorDomainKey = [32]byte{
	'c', 'r', 'a', 'n', 'e', '-', 'r', 'e', 'l', 'a', 'y', '.', 'a', 'c', 't', 'o',
	'r', '-', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ActorKeyID derives the stable, non-reversible identifier for secret.
func ActorKeyID(secret string) string {
	hasher, err := blake3.NewKeyed(actorDomainKey[:])
	if err != nil {
		panic("auth: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(secret))
	sum := hasher.Sum(nil)
	return "ak_" + hex.EncodeToString(sum[:16])
}

// KeyProvider validates one shared secret presented in a request header.
// It implements contracts.AuthProvider.
type KeyProvider struct {
	name       string
	role       contracts.Role
	header     string
	bearer     bool
	secret     []byte
	actorKeyID string
}

// NewRelayKeyProvider accepts the relay secret in X-Relay-Key or as an
// Authorization bearer token.
func NewRelayKeyProvider(secret string) *KeyProvider {
	return newKeyProvider("relay-key", contracts.RoleRelay, HeaderRelayKey, true, secret)
}

// NewAdminKeyProvider accepts the admin secret in X-Admin-Key only.
func NewAdminKeyProvider(secret string) *KeyProvider {
	return newKeyProvider("admin-key", contracts.RoleAdmin, HeaderAdminKey, false, secret)
}

func newKeyProvider(name string, role contracts.Role, header string, bearer bool, secret string) *KeyProvider {
	p := &KeyProvider{name: name, role: role, header: header, bearer: bearer}
	if secret != "" {
		p.secret = []byte(secret)
		p.actorKeyID = ActorKeyID(secret)
	}
	return p
}

func (p *KeyProvider) Name() string { return p.name }

func (p *KeyProvider) Enabled() bool { return len(p.secret) > 0 }

// Authenticate validates the presented key in constant time.
func (p *KeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	if !p.Enabled() {
		return nil, ErrNotConfigured
	}
	candidate := p.extract(r)
	if candidate == "" {
		return nil, ErrMissingKey
	}
	if subtle.ConstantTimeCompare([]byte(candidate), p.secret) != 1 {
		return nil, ErrInvalidKey
	}
	return &contracts.Identity{
		ActorKeyID: p.actorKeyID,
		Provider:   p.name,
		Role:       p.role,
	}, nil
}

func (p *KeyProvider) extract(r *http.Request) string {
	if key := r.Header.Get(p.header); key != "" {
		return key
	}
	if p.bearer {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return ""
}
