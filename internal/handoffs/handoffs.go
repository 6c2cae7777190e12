// Package handoffs is the append-only ledger of work-state transfers
// between agents.
package handoffs

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/contracts"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// Limits.
const (
	MaxPayloadBytes = 800 << 10
	MaxSummaryChars = 10000
)

// Ledger creates and queries handoffs.
type Ledger struct {
	store    *store.Store
	ventures contracts.VentureCatalog
	now      func() time.Time
}

// NewLedger creates a handoff ledger.
func NewLedger(st *store.Store, ventures contracts.VentureCatalog) *Ledger {
	return &Ledger{store: st, ventures: ventures, now: time.Now}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// CreateRequest describes a new handoff.
type CreateRequest struct {
	SessionID   string               `json:"session_id"`
	Summary     string               `json:"summary"`
	Status      models.HandoffStatus `json:"status"`
	IssueNumber *int                 `json:"issue_number,omitempty"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	ActorKeyID  string               `json:"-"`
}

type prepared struct {
	payload json.RawMessage
	hash    string
}

func validate(req *CreateRequest) (*prepared, error) {
	details := map[string]string{}
	if req.SessionID == "" {
		details["session_id"] = "required"
	}
	switch n := utf8.RuneCountInString(req.Summary); {
	case n == 0:
		details["summary"] = "required"
	case n > MaxSummaryChars:
		details["summary"] = "must be at most 10000 characters"
	}
	if !req.Status.Valid() {
		details["status"] = "must be one of in_progress, blocked, done"
	}
	if req.IssueNumber != nil && *req.IssueNumber < 1 {
		details["issue_number"] = "must be positive"
	}
	if len(details) > 0 {
		return nil, errs.Validation("invalid handoff", details)
	}

	p := &prepared{}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		canonical, hash, err := ids.Digest(req.Payload)
		if err != nil {
			return nil, errs.Field("payload", "must be valid JSON")
		}
		if len(canonical) > MaxPayloadBytes {
			return nil, errs.TooLarge("handoff payload exceeds 800 KiB")
		}
		p.payload, p.hash = canonical, hash
	}
	return p, nil
}

// Create records a handoff for an active session without ending it.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*models.Handoff, error) {
	h, _, err := l.create(ctx, req, false)
	return h, err
}

// EndOfDay records a handoff and ends the session as completed, atomically.
func (l *Ledger) EndOfDay(ctx context.Context, req CreateRequest) (*models.Handoff, *models.Session, error) {
	return l.create(ctx, req, true)
}

func (l *Ledger) create(ctx context.Context, req CreateRequest, end bool) (*models.Handoff, *models.Session, error) {
	p, err := validate(&req)
	if err != nil {
		return nil, nil, err
	}

	var (
		h *models.Handoff
		s *models.Session
	)
	err = l.store.WithTx(ctx, func(c *store.Conn) error {
		var err error
		s, err = c.GetSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !s.Active() {
			return errs.Conflict(errs.CodeSessionEnded, "session "+s.ID+" is no longer active")
		}

		now := l.now().UTC().Truncate(time.Microsecond)
		issue := req.IssueNumber
		if issue == nil {
			issue = s.IssueNumber
		}
		h = &models.Handoff{
			ID:          ids.New(ids.PrefixHandoff),
			SessionID:   s.ID,
			Venture:     s.Venture,
			Repo:        s.Repo,
			Track:       s.Track,
			IssueNumber: issue,
			FromAgent:   s.Agent,
			Summary:     req.Summary,
			Status:      req.Status,
			Payload:     p.payload,
			PayloadHash: p.hash,
			PayloadSize: len(p.payload),
			ActorKeyID:  req.ActorKeyID,
			CreatedAt:   now,
		}
		if err := c.InsertHandoff(ctx, h); err != nil {
			return err
		}

		if end {
			if _, err := c.EndSession(ctx, s.ID, models.EndCompleted, now); err != nil {
				return err
			}
			reason := models.EndCompleted
			s.Status = models.SessionEnded
			s.EndReason = &reason
			s.EndedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, nil, store.Classify(err)
	}

	log.Info().
		Str("handoff_id", h.ID).
		Str("session_id", h.SessionID).
		Str("status", string(h.Status)).
		Bool("session_ended", end).
		Msg("Handoff created")
	return h, s, nil
}

// Latest returns the newest handoff for (venture, repo) regardless of
// session or track.
func (l *Ledger) Latest(ctx context.Context, venture, repo string) (*models.Handoff, error) {
	if err := l.checkTuple(venture, repo); err != nil {
		return nil, err
	}
	h, err := l.store.LatestHandoff(ctx, venture, repo)
	if err != nil {
		return nil, store.Classify(err)
	}
	return h, nil
}

// LatestOrNil is Latest with "no handoff yet" mapped to nil.
func (l *Ledger) LatestOrNil(ctx context.Context, venture, repo string) (*models.Handoff, error) {
	h, err := l.store.LatestHandoff(ctx, venture, repo)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	return h, nil
}

// Query selects one page of handoff history.
type Query struct {
	Venture string
	Repo    string
	Track   *int
	Limit   int
	Cursor  string
}

// List returns a newest-first page with a cursor for the next page.
func (l *Ledger) List(ctx context.Context, q Query) (*models.Page[models.Handoff], error) {
	if err := l.checkTuple(q.Venture, q.Repo); err != nil {
		return nil, err
	}
	limit, err := ids.PageLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	sq := store.HandoffQuery{Venture: q.Venture, Repo: q.Repo, Track: q.Track, Limit: limit}
	if q.Cursor != "" {
		cur, err := ids.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, errs.Field("cursor", "invalid cursor")
		}
		sq.After = &cur
	}

	rows, err := l.store.QueryHandoffs(ctx, sq)
	if err != nil {
		return nil, store.Classify(err)
	}
	page := &models.Page[models.Handoff]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		last := page.Items[limit-1]
		page.NextCursor = ids.EncodeCursor(ids.Cursor{CreatedAt: store.FormatTime(last.CreatedAt), ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []models.Handoff{}
	}
	return page, nil
}

func (l *Ledger) checkTuple(venture, repo string) error {
	details := map[string]string{}
	if err := l.ventures.CheckVenture(venture); err != nil {
		details["venture"] = errs.FieldMessage(err, "venture")
	}
	if repo == "" {
		details["repo"] = "required"
	}
	if len(details) > 0 {
		return errs.Validation("invalid handoff query", details)
	}
	return nil
}
