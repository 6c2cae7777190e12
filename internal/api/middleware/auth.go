package middleware

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/venturecrane/crane-relay/internal/api/respond"
	"github.com/venturecrane/crane-relay/internal/auth"
	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/pkg/contracts"
	pkgmw "github.com/venturecrane/crane-relay/pkg/middleware"
)

// RequireKey authenticates every request with provider and stores the
// resulting Identity in the context. A provider without a configured
// secret rejects everything.
func RequireKey(provider contracts.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := provider.Authenticate(r.Context(), r)
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().
					Err(err).
					Str("provider", provider.Name()).
					Str("path", r.URL.Path).
					Msg("Authentication failed")
				w.Header().Set("WWW-Authenticate", `Bearer realm="crane-relay"`)
				respond.Error(w, r, errs.Unauthorized(unauthorizedMessage(err)))
				return
			}

			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("actor_key_id", identity.ActorKeyID)
			})
			next.ServeHTTP(w, r.WithContext(pkgmw.SetIdentity(r.Context(), identity)))
		})
	}
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingKey):
		return "missing credential"
	case errors.Is(err, auth.ErrNotConfigured):
		return "endpoint is disabled"
	default:
		return "invalid credential"
	}
}
