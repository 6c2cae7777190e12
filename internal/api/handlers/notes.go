package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/venturecrane/crane-relay/internal/notes"
	"github.com/venturecrane/crane-relay/pkg/middleware"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// WriteNote applies a create, update, archive or unarchive action.
func (h *Handlers) WriteNote(w http.ResponseWriter, r *http.Request) {
	var req notes.WriteRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.ActorKeyID = middleware.ActorKeyID(r.Context())

	ctx, cancel := h.writeCtx(r)
	defer cancel()

	n, err := h.Notes.Apply(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if req.Action == notes.ActionCreate {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{"note": n})
}

func (h *Handlers) SearchNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, r, err)
		return
	}
	archived, err := queryBool(r, "include_archived")
	if err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.readCtx(r)
	defer cancel()

	page, err := h.Notes.Search(ctx, models.NoteFilter{
		Category:        models.NoteCategory(q.Get("category")),
		Venture:         q.Get("venture"),
		Tag:             q.Get("tag"),
		Query:           q.Get("q"),
		IncludeArchived: archived,
		Limit:           limit,
		Cursor:          q.Get("cursor"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"notes":       page.Items,
		"count":       len(page.Items),
		"next_cursor": page.NextCursor,
	})
}

func (h *Handlers) GetNote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.readCtx(r)
	defer cancel()

	n, err := h.Notes.Get(ctx, chi.URLParam(r, "noteID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (h *Handlers) EnterpriseContext(w http.ResponseWriter, r *http.Request) {
	venture := r.URL.Query().Get("venture")
	if err := h.Catalog.CheckVenture(venture); err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.readCtx(r)
	defer cancel()

	packed, err := h.Notes.EnterpriseContext(ctx, venture)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, packed)
}
