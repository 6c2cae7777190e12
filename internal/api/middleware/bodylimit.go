package middleware

import (
	"fmt"
	"net/http"

	"github.com/venturecrane/crane-relay/internal/api/respond"
	"github.com/venturecrane/crane-relay/internal/errs"
)

// BodyLimit rejects request bodies larger than max bytes with 413. Bodies
// without a declared length are cut off while being read.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				respond.Error(w, r, errs.TooLarge(fmt.Sprintf("request body exceeds %d bytes", max)))
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
