// Package handlers implements the HTTP handlers of the relay. Handlers
// decode requests, call the domain services and encode their results;
// every rule lives in the services.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/venturecrane/crane-relay/internal/api/respond"
	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/internal/docs"
	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/handoffs"
	"github.com/venturecrane/crane-relay/internal/machines"
	"github.com/venturecrane/crane-relay/internal/notes"
	"github.com/venturecrane/crane-relay/internal/schedule"
	"github.com/venturecrane/crane-relay/internal/sessions"
	"github.com/venturecrane/crane-relay/internal/store"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    *store.Store
	Catalog  *config.Catalog
	Sessions *sessions.Manager
	Handoffs *handoffs.Ledger
	Notes    *notes.Service
	Schedule *schedule.Engine
	Machines *machines.Registry
	Docs     *docs.Library

	Version string
	// DBTimeout bounds the database work of one request.
	DBTimeout time.Duration
}

// writeCtx detaches mutating work from the client connection so a
// disconnect cannot roll back a commit, and bounds it by DBTimeout.
func (h *Handlers) writeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.DBTimeout)
}

func (h *Handlers) readCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.DBTimeout)
}

// ══════════════════════════════════════════════════════════════
// ── Service info ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.readCtx(r)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "crane-relay",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "crane-relay",
	})
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.readCtx(r)
	defer cancel()
	schemaVersion, err := h.Store.SchemaVersion(ctx)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"version":        h.Version,
		"service":        "crane-relay",
		"schema_version": schemaVersion,
	})
}

func (h *Handlers) ListVentures(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ventures": h.Catalog.Ventures,
		"count":    len(h.Catalog.Ventures),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	respond.JSON(w, status, data)
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, err)
}

// decode reads a JSON body into v. Oversized bodies keep their
// *http.MaxBytesError so they map to 413.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return errs.Validation("invalid JSON body: "+err.Error(), nil)
	}
	return nil
}

// queryInt parses an optional integer query parameter; absent is 0.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Field(name, "must be an integer")
	}
	return n, nil
}

// queryTrack parses the optional track parameter; absent is nil.
func queryTrack(r *http.Request) (*int, error) {
	if r.URL.Query().Get("track") == "" {
		return nil, nil
	}
	n, err := queryInt(r, "track")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errs.Field("track", "must not be negative")
	}
	return &n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.Field(name, "must be true or false")
	}
	return b, nil
}
