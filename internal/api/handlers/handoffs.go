package handlers

import (
	"net/http"

	"github.com/venturecrane/crane-relay/internal/handoffs"
	"github.com/venturecrane/crane-relay/pkg/middleware"
)

// EndOfDay records a handoff and ends its session.
func (h *Handlers) EndOfDay(w http.ResponseWriter, r *http.Request) {
	var req handoffs.CreateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.ActorKeyID = middleware.ActorKeyID(r.Context())

	ctx, cancel := h.writeCtx(r)
	defer cancel()

	ho, s, err := h.Handoffs.EndOfDay(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"handoff_id": ho.ID,
		"created_at": ho.CreatedAt,
		"handoff":    ho,
		"session":    s,
	})
}

// CreateHandoff records a handoff and leaves the session active.
func (h *Handlers) CreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffs.CreateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.ActorKeyID = middleware.ActorKeyID(r.Context())

	ctx, cancel := h.writeCtx(r)
	defer cancel()

	ho, err := h.Handoffs.Create(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ho)
}

func (h *Handlers) LatestHandoff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := h.readCtx(r)
	defer cancel()

	ho, err := h.Handoffs.Latest(ctx, q.Get("venture"), q.Get("repo"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ho)
}

func (h *Handlers) ListHandoffs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	track, err := queryTrack(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.readCtx(r)
	defer cancel()

	page, err := h.Handoffs.List(ctx, handoffs.Query{
		Venture: q.Get("venture"),
		Repo:    q.Get("repo"),
		Track:   track,
		Limit:   limit,
		Cursor:  q.Get("cursor"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"handoffs":    page.Items,
		"count":       len(page.Items),
		"next_cursor": page.NextCursor,
	})
}
