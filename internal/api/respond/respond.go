// Package respond writes JSON responses and the shared error envelope.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/venturecrane/crane-relay/internal/errs"
	pkgmw "github.com/venturecrane/crane-relay/pkg/middleware"
)

// ErrorBody is the envelope of every error response.
type ErrorBody struct {
	Error         errs.Kind         `json:"error"`
	Code          string            `json:"code,omitempty"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error classifies err and writes the error envelope. Internal errors are
// logged with their cause and reported with a generic message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		err = errs.TooLarge("request body too large")
	}
	e := errs.From(err)
	status := errs.Status(e.Kind)

	body := ErrorBody{
		Error:         e.Kind,
		Code:          e.Code,
		Message:       e.Message,
		CorrelationID: pkgmw.GetCorrelationID(r.Context()),
		Details:       e.Details,
	}
	switch e.Kind {
	case errs.KindInternal:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body.Message = "internal error"
	case errs.KindDownstreamTimeout:
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Database timed out")
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, status, body)
}
