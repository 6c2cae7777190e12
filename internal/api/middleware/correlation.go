package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/ids"
	pkgmw "github.com/venturecrane/crane-relay/pkg/middleware"
)

// HeaderCorrelationID echoes the per-request correlation ID.
const HeaderCorrelationID = "X-Correlation-ID"

// Correlation mints a fresh correlation ID for every request, returns it in
// a response header, and attaches a request logger carrying it. Later
// middleware enrich that logger in place.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ids.NewCorrelationID()
		w.Header().Set(HeaderCorrelationID, id)

		logger := log.With().Str("correlation_id", id).Logger()
		ctx := pkgmw.SetCorrelationID(r.Context(), id)
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
