package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/venturecrane/crane-relay/internal/api/respond"
	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/idempotency"
	pkgmw "github.com/venturecrane/crane-relay/pkg/middleware"
)

// captureWriter buffers the status and body written by the handler.
// Headers go straight to the underlying writer's header map.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if cw.status == 0 {
		cw.status = code
	}
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	return cw.body.Write(b)
}

func (cw *captureWriter) flush() {
	cw.ResponseWriter.WriteHeader(cw.status)
	cw.ResponseWriter.Write(cw.body.Bytes())
}

// Idempotency makes a mutating route replayable when the caller sends an
// Idempotency-Key header. Requests without the header pass through. The
// handler's response is held back until the reservation is resolved on a
// context detached from the client, bounded by timeout; a response that
// cannot be recorded is replaced by a 503.
func Idempotency(svc *idempotency.Service, timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotency.HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				respond.Error(w, r, err)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				respond.Error(w, r, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			detached := context.WithoutCancel(r.Context())
			beginCtx, cancel := context.WithTimeout(detached, timeout)
			res, replay, err := svc.Begin(beginCtx, idempotency.Request{
				Endpoint:   r.URL.Path,
				Key:        key,
				Body:       body,
				ActorKeyID: pkgmw.ActorKeyID(r.Context()),
			})
			cancel()
			if err != nil {
				respond.Error(w, r, err)
				return
			}
			if replay != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(idempotency.HeaderReplay, "true")
				w.WriteHeader(replay.Status)
				w.Write(replay.Body)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			finish := func(status int) error {
				ctx, cancel := context.WithTimeout(detached, timeout)
				defer cancel()
				err := svc.Finish(ctx, res, status, cw.body.Bytes())
				if err != nil {
					zerolog.Ctx(r.Context()).Error().Err(err).Str("endpoint", res.Endpoint).
						Msg("Failed to resolve idempotency reservation")
				}
				return err
			}
			defer func() {
				if p := recover(); p != nil {
					finish(http.StatusInternalServerError)
					panic(p)
				}
			}()

			next.ServeHTTP(cw, r)

			if cw.status == 0 {
				cw.status = http.StatusOK
			}
			if err := finish(cw.status); err != nil && cw.status < http.StatusInternalServerError {
				respond.Error(w, r, &errs.Error{
					Kind:    errs.KindDownstreamTimeout,
					Message: "response could not be recorded; retry with the same idempotency key",
					Err:     err,
				})
				return
			}
			cw.flush()
		})
	}
}
