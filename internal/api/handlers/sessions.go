package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/notes"
	"github.com/venturecrane/crane-relay/internal/sessions"
	"github.com/venturecrane/crane-relay/pkg/middleware"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// StartOfDayResponse is the body of POST /sod.
type StartOfDayResponse struct {
	SessionID                string               `json:"session_id"`
	Status                   models.ResumeOutcome `json:"status"`
	Session                  *models.Session      `json:"session"`
	PreviousSessionID        string               `json:"previous_session_id,omitempty"`
	NextHeartbeatAt          time.Time            `json:"next_heartbeat_at"`
	HeartbeatIntervalSeconds int                  `json:"heartbeat_interval_seconds"`
	LastHandoff              *models.Handoff      `json:"last_handoff"`
	EnterpriseContext        *notes.Packed        `json:"enterprise_context"`
}

func (h *Handlers) StartOfDay(w http.ResponseWriter, r *http.Request) {
	var req sessions.ResumeRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.ActorKeyID = middleware.ActorKeyID(r.Context())

	ctx, cancel := h.writeCtx(r)
	defer cancel()

	res, err := h.Sessions.Resume(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	last, err := h.Handoffs.LatestOrNil(ctx, req.Venture, req.Repo)
	if err != nil {
		respondError(w, r, err)
		return
	}
	packed, err := h.Notes.EnterpriseContext(ctx, req.Venture)
	if err != nil {
		respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == models.OutcomeCreated {
		status = http.StatusCreated
	}
	respondJSON(w, status, StartOfDayResponse{
		SessionID:                res.Session.ID,
		Status:                   res.Outcome,
		Session:                  res.Session,
		PreviousSessionID:        res.PreviousSessionID,
		NextHeartbeatAt:          res.NextHeartbeatAt,
		HeartbeatIntervalSeconds: int(h.Sessions.HeartbeatInterval() / time.Second),
		LastHandoff:              last,
		EnterpriseContext:        packed,
	})
}

func (h *Handlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req sessions.UpdateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.writeCtx(r)
	defer cancel()

	s, err := h.Sessions.Update(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": s})
}

type sessionRef struct {
	SessionID string           `json:"session_id"`
	EndReason models.EndReason `json:"end_reason,omitempty"`
}

func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req sessionRef
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.writeCtx(r)
	defer cancel()

	s, next, err := h.Sessions.Heartbeat(ctx, req.SessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":                 s.ID,
		"last_heartbeat_at":          s.LastHeartbeatAt,
		"next_heartbeat_at":          next,
		"heartbeat_interval_seconds": int(h.Sessions.HeartbeatInterval() / time.Second),
	})
}

func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRef
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.writeCtx(r)
	defer cancel()

	s, err := h.Sessions.End(ctx, req.SessionID, req.EndReason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": s})
}

func (h *Handlers) ListActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := h.readCtx(r)
	defer cancel()

	list, err := h.Sessions.ListActive(ctx, q.Get("venture"), q.Get("repo"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.readCtx(r)
	defer cancel()

	s, err := h.Sessions.Get(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// ── Checkpoints ──────────────────────────────────────────────

func (h *Handlers) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req sessions.CheckpointRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx, cancel := h.writeCtx(r)
	defer cancel()

	cp, err := h.Sessions.AddCheckpoint(ctx, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, cp)
}

func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		respondError(w, r, errs.Field("session_id", "required"))
		return
	}
	ctx, cancel := h.readCtx(r)
	defer cancel()

	list, err := h.Sessions.Checkpoints(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"checkpoints": list, "count": len(list)})
}
