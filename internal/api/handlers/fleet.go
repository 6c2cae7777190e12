package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/venturecrane/crane-relay/internal/docs"
	"github.com/venturecrane/crane-relay/internal/machines"
	"github.com/venturecrane/crane-relay/internal/schedule"
	"github.com/venturecrane/crane-relay/pkg/middleware"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Schedule ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Briefing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.readCtx(r)
	defer cancel()

	b, err := h.Schedule.Briefing(ctx, r.URL.Query().Get("scope"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handlers) CompleteScheduleItem(w http.ResponseWriter, r *http.Request) {
	var req schedule.CompleteRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.Name = chi.URLParam(r, "name")

	ctx, cancel := h.writeCtx(r)
	defer cancel()

	it, err := h.Schedule.Complete(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"name":         it.Name,
		"completed_at": it.LastCompletedAt,
		"result":       it.LastResult,
		"item":         it,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Machines ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) RegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req machines.RegisterRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.writeCtx(r)
	defer cancel()

	m, created, err := h.Machines.Register(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{"machine": m, "created": created})
}

func (h *Handlers) MachineHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.writeCtx(r)
	defer cancel()

	m, err := h.Machines.Heartbeat(ctx, chi.URLParam(r, "machineID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) ListMachines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := h.readCtx(r)
	defer cancel()

	list, err := h.Machines.List(ctx, models.MachineFilter{Role: q.Get("role"), Status: q.Get("status")})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"machines": list, "count": len(list)})
}

func (h *Handlers) MeshConfig(w http.ResponseWriter, r *http.Request) {
	forID := r.URL.Query().Get("for")
	ctx, cancel := h.readCtx(r)
	defer cancel()

	cfg, err := h.Machines.MeshConfig(ctx, forID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"machine_id": forID, "config": cfg})
}

// ══════════════════════════════════════════════════════════════
// ── Docs ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) UploadDoc(w http.ResponseWriter, r *http.Request) {
	var req docs.UploadRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.Scope = chi.URLParam(r, "scope")
	req.Name = chi.URLParam(r, "name")
	req.UploadedBy = middleware.ActorKeyID(r.Context())

	ctx, cancel := h.writeCtx(r)
	defer cancel()

	d, created, err := h.Docs.Upload(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{
		"scope":        d.Scope,
		"name":         d.Name,
		"version":      d.Version,
		"content_hash": d.ContentHash,
		"content_size": d.ContentSize,
		"created":      created,
	})
}

func (h *Handlers) GetDoc(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version")
	if err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.readCtx(r)
	defer cancel()

	d, err := h.Docs.Get(ctx, chi.URLParam(r, "scope"), chi.URLParam(r, "name"), version)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handlers) ListDocs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.readCtx(r)
	defer cancel()

	list, err := h.Docs.List(ctx, r.URL.Query().Get("scope"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"docs": list, "count": len(list)})
}
