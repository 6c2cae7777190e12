package respond_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/api/respond"
	"github.com/venturecrane/crane-relay/internal/errs"
	pkgmw "github.com/venturecrane/crane-relay/pkg/middleware"
)

func errorBody(t *testing.T, err error) (*httptest.ResponseRecorder, respond.ErrorBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req = req.WithContext(pkgmw.SetCorrelationID(req.Context(), "corr_test"))
	rec := httptest.NewRecorder()
	respond.Error(rec, req, err)

	var body respond.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestErrorEnvelope(t *testing.T) {
	rec, body := errorBody(t, errs.Field("venture", "unknown venture"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, errs.KindValidation, body.Error)
	assert.Equal(t, "corr_test", body.CorrelationID)
	assert.Equal(t, "unknown venture", body.Details["venture"])
}

func TestConflictCarriesCode(t *testing.T) {
	rec, body := errorBody(t, errs.Conflict(errs.CodeSessionEnded, "session has ended"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errs.CodeSessionEnded, body.Code)
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec, body := errorBody(t, errors.New("dial tcp: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, errs.KindInternal, body.Error)
	assert.Equal(t, "internal error", body.Message)
}

func TestDeadlineMapsToDownstreamTimeout(t *testing.T) {
	rec, body := errorBody(t, fmt.Errorf("query sessions: %w", context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, errs.KindDownstreamTimeout, body.Error)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMaxBytesErrorMapsTo413(t *testing.T) {
	rec, body := errorBody(t, fmt.Errorf("decode: %w", &http.MaxBytesError{Limit: 10}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, errs.KindPayloadTooLarge, body.Error)
}
