package middleware_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/api/middleware"
	"github.com/venturecrane/crane-relay/internal/api/respond"
	"github.com/venturecrane/crane-relay/internal/auth"
	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/idempotency"
	"github.com/venturecrane/crane-relay/internal/store/storetest"
	pkgmw "github.com/venturecrane/crane-relay/pkg/middleware"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) respond.ErrorBody {
	t.Helper()
	var body respond.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ─── Auth ───────────────────────────────────────────────────

func TestRequireKey_Valid(t *testing.T) {
	var seen string
	handler := middleware.RequireKey(auth.NewRelayKeyProvider("test-key"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = pkgmw.ActorKeyID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/active", nil)
	req.Header.Set(auth.HeaderRelayKey, "test-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, auth.ActorKeyID("test-key"), seen)

	req = httptest.NewRequest(http.MethodGet, "/active", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireKey_Rejects(t *testing.T) {
	handler := middleware.Correlation(
		middleware.RequireKey(auth.NewRelayKeyProvider("test-key"))(http.HandlerFunc(okHandler)))

	cases := map[string]string{
		"missing": "",
		"wrong":   "wrong-key",
		"prefix":  "test-ke",
	}
	for name, key := range cases {
		req := httptest.NewRequest(http.MethodGet, "/active", nil)
		if key != "" {
			req.Header.Set(auth.HeaderRelayKey, key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code, name)
		body := decodeError(t, w)
		assert.Equal(t, "unauthorized", string(body.Error), name)
		assert.NotEmpty(t, body.CorrelationID, name)
		assert.Equal(t, w.Header().Get(middleware.HeaderCorrelationID), body.CorrelationID, name)
	}
}

func TestRequireKey_AdminDisabledWithoutSecret(t *testing.T) {
	handler := middleware.RequireKey(auth.NewAdminKeyProvider(""))(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodPost, "/docs/global/readme", nil)
	req.Header.Set(auth.HeaderAdminKey, "")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ─── Correlation ────────────────────────────────────────────

func TestCorrelationIsFreshPerRequest(t *testing.T) {
	var ids []string
	handler := middleware.Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, pkgmw.GetCorrelationID(r.Context()))
	}))
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, ids[i], w.Header().Get(middleware.HeaderCorrelationID))
	}
	assert.NotEqual(t, ids[0], ids[1])
}

// ─── Body limit ─────────────────────────────────────────────

func TestBodyLimit(t *testing.T) {
	handler := middleware.BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			respond.Error(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader("tiny")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader("far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader("far too large"))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// ─── Idempotency ────────────────────────────────────────────

func TestIdempotencyReplaysAndRejects(t *testing.T) {
	svc := idempotency.New(storetest.New(t), time.Hour)
	var calls atomic.Int32
	handler := middleware.Idempotency(svc, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		respond.JSON(w, http.StatusCreated, map[string]any{"call": n, "echo": string(body)})
	}))

	send := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/eod", strings.NewReader(body))
		if key != "" {
			req.Header.Set(idempotency.HeaderKey, key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := send("k-1", `{"a":1,"b":2}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(idempotency.HeaderReplay))

	again := send("k-1", `{"b":2, "a":1}`)
	require.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, "true", again.Header().Get(idempotency.HeaderReplay))
	assert.Equal(t, first.Body.String(), again.Body.String())
	assert.EqualValues(t, 1, calls.Load())

	conflict := send("k-1", `{"a":2}`)
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Equal(t, "idempotency_key_conflict", decodeError(t, conflict).Code)

	bad := send("has space", `{}`)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	send("", `{}`)
	send("", `{}`)
	assert.EqualValues(t, 3, calls.Load(), "requests without a key always execute")
}

func TestIdempotencyReleasesOnServerError(t *testing.T) {
	svc := idempotency.New(storetest.New(t), time.Hour)
	var calls atomic.Int32
	handler := middleware.Idempotency(svc, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, want := range []int{http.StatusServiceUnavailable, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader(`{}`))
		req.Header.Set(idempotency.HeaderKey, "retry-me")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code)
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestIdempotencyConcurrentDuplicatesExecuteOnce(t *testing.T) {
	svc := idempotency.New(storetest.New(t), time.Hour)
	var calls atomic.Int32
	release := make(chan struct{})
	handler := middleware.Idempotency(svc, 5*time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		respond.JSON(w, http.StatusCreated, map[string]string{"handoff_id": "ho_1"})
	}))

	const n = 16
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/eod", strings.NewReader(`{"summary":"done"}`))
			req.Header.Set(idempotency.HeaderKey, "eod-once")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}

	// Every duplicate is turned away while the owner is still running.
	for i := 0; i < n-1; i++ {
		select {
		case code := <-codes:
			assert.Equal(t, http.StatusConflict, code)
		case <-time.After(10 * time.Second):
			close(release)
			t.Fatal("duplicates did not resolve while the owner was running")
		}
	}
	close(release)
	wg.Wait()
	close(codes)

	assert.Equal(t, http.StatusCreated, <-codes)
	assert.EqualValues(t, 1, calls.Load())

	req := httptest.NewRequest(http.MethodPost, "/eod", strings.NewReader(`{"summary":"done"}`))
	req.Header.Set(idempotency.HeaderKey, "eod-once")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(idempotency.HeaderReplay))
	assert.EqualValues(t, 1, calls.Load())
}

func TestIdempotencyWithholdsResponseUntilRecorded(t *testing.T) {
	st := storetest.New(t)
	svc := idempotency.New(st, time.Hour)
	handler := middleware.Idempotency(svc, time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusCreated, map[string]string{"note_id": "note_1"})
		// The database goes away before the response can be recorded.
		require.NoError(t, st.Close())
	}))

	req := httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader(`{"content":"x"}`))
	req.Header.Set(idempotency.HeaderKey, "note-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, errs.KindDownstreamTimeout, decodeError(t, w).Error)
	assert.NotContains(t, w.Body.String(), "note_1")
}

func TestIdempotencyBuffersUntilFinished(t *testing.T) {
	svc := idempotency.New(storetest.New(t), time.Hour)
	w := httptest.NewRecorder()
	handler := middleware.Idempotency(svc, time.Second)(http.HandlerFunc(func(hw http.ResponseWriter, r *http.Request) {
		respond.JSON(hw, http.StatusAccepted, map[string]bool{"ok": true})
		assert.Zero(t, w.Body.Len(), "nothing reaches the client before the reservation is resolved")
	}))

	req := httptest.NewRequest(http.MethodPost, "/update", strings.NewReader(`{}`))
	req.Header.Set(idempotency.HeaderKey, "upd-1")
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}
