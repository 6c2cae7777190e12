// Package sessions implements the session lifecycle: resume-or-create with
// staleness detection, heartbeats, metadata updates and explicit end.
// All state lives in the store; the database's unique index on active
// sessions is what guarantees one active session per (venture, repo, track).
package sessions

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/contracts"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// MaxMetaBytes caps the opaque session metadata blob.
const MaxMetaBytes = 64 << 10

// Config holds the lifecycle timing constants.
type Config struct {
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		StaleAfter:        45 * time.Minute,
		HeartbeatInterval: 10 * time.Minute,
		HeartbeatJitter:   2 * time.Minute,
	}
}

// Manager owns session state transitions.
type Manager struct {
	store    *store.Store
	ventures contracts.VentureCatalog
	cfg      Config
	now      func() time.Time
	jitter   func(max time.Duration) time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithJitter overrides the heartbeat jitter source. fn receives the
// configured bound and returns an offset in [-max, max].
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(m *Manager) { m.jitter = fn }
}

// NewManager creates a session manager.
func NewManager(st *store.Store, ventures contracts.VentureCatalog, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		ventures: ventures,
		cfg:      cfg,
		now:      time.Now,
		jitter:   uniformJitter,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*max)+1)) - max
}

func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// NextHeartbeat returns now + interval ± jitter.
func (m *Manager) NextHeartbeat(now time.Time) time.Time {
	return now.Add(m.cfg.HeartbeatInterval + m.jitter(m.cfg.HeartbeatJitter))
}

// HeartbeatInterval is the base interval advertised to clients.
func (m *Manager) HeartbeatInterval() time.Duration { return m.cfg.HeartbeatInterval }

// ── Resume ──────────────────────────────────────────────────

// ResumeRequest is the start-of-day input.
type ResumeRequest struct {
	Venture     string          `json:"venture"`
	Repo        string          `json:"repo"`
	Track       *int            `json:"track,omitempty"`
	Agent       string          `json:"agent"`
	IssueNumber *int            `json:"issue_number,omitempty"`
	Branch      string          `json:"branch,omitempty"`
	CommitSHA   string          `json:"commit_sha,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	ActorKeyID  string          `json:"-"`
}

// ResumeResult reports what Resume did.
type ResumeResult struct {
	Outcome           models.ResumeOutcome
	Session           *models.Session
	PreviousSessionID string
	NextHeartbeatAt   time.Time
}

func (m *Manager) validateResume(req *ResumeRequest) error {
	details := map[string]string{}
	if err := m.ventures.CheckVenture(req.Venture); err != nil {
		details["venture"] = errs.FieldMessage(err, "venture")
	}
	checkText(details, "repo", req.Repo, 200)
	checkText(details, "agent", req.Agent, 100)
	if req.Track != nil && *req.Track < 0 {
		details["track"] = "must be non-negative"
	}
	if req.IssueNumber != nil && *req.IssueNumber < 1 {
		details["issue_number"] = "must be positive"
	}
	if len(details) > 0 {
		return errs.Validation("invalid session request", details)
	}
	meta, err := canonicalMeta(req.Meta)
	if err != nil {
		return err
	}
	req.Meta = meta
	return nil
}

// Resume resumes the active session for the request's tuple or creates a
// new one, in a single transaction:
//
//  1. no active session: create one
//  2. one fresh session: refresh its heartbeat and resume it
//  3. one stale session: end it as abandoned and create a new one
//  4. several active sessions: keep the most recently heartbeated, end the
//     rest as superseded, then apply 2 or 3 to the survivor
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	if err := m.validateResume(&req); err != nil {
		return nil, err
	}

	var (
		result     *ResumeResult
		superseded []string
	)
	err := m.store.WithTx(ctx, func(c *store.Conn) error {
		result, superseded = nil, nil
		now := m.clock()

		active, err := c.ActiveSessionsFor(ctx, req.Venture, req.Repo, req.Track)
		if err != nil {
			return err
		}

		var previous string
		if len(active) > 0 {
			survivor := active[0]
			for _, extra := range active[1:] {
				if _, err := c.EndSession(ctx, extra.ID, models.EndSuperseded, now); err != nil {
					return err
				}
				superseded = append(superseded, extra.ID)
			}

			if now.Sub(survivor.LastHeartbeatAt) < m.cfg.StaleAfter {
				if _, err := c.TouchSession(ctx, survivor.ID, now); err != nil {
					return err
				}
				survivor.LastHeartbeatAt = now
				result = &ResumeResult{Outcome: models.OutcomeResumed, Session: &survivor}
				return nil
			}

			if _, err := c.EndSession(ctx, survivor.ID, models.EndAbandoned, now); err != nil {
				return err
			}
			previous = survivor.ID
		}

		s := &models.Session{
			ID:              ids.New(ids.PrefixSession),
			Venture:         req.Venture,
			Repo:            req.Repo,
			Track:           req.Track,
			IssueNumber:     req.IssueNumber,
			Agent:           req.Agent,
			Status:          models.SessionActive,
			Branch:          req.Branch,
			CommitSHA:       req.CommitSHA,
			Meta:            req.Meta,
			PredecessorID:   previous,
			ActorKeyID:      req.ActorKeyID,
			CreatedAt:       now,
			LastHeartbeatAt: now,
		}
		if err := c.InsertSession(ctx, s); err != nil {
			return err
		}
		result = &ResumeResult{Outcome: models.OutcomeCreated, Session: s, PreviousSessionID: previous}
		return nil
	})
	if err != nil {
		return nil, store.Classify(err)
	}

	for _, id := range superseded {
		log.Warn().Str("session_id", id).Str("survivor_id", result.Session.ID).Msg("Superseded duplicate active session")
	}
	if result.PreviousSessionID != "" {
		log.Info().Str("session_id", result.PreviousSessionID).Msg("Abandoned stale session")
	}
	log.Info().
		Str("session_id", result.Session.ID).
		Str("venture", req.Venture).
		Str("repo", req.Repo).
		Str("outcome", string(result.Outcome)).
		Msg("Session start-of-day")

	result.NextHeartbeatAt = m.NextHeartbeat(result.Session.LastHeartbeatAt)
	return result, nil
}

// ── Heartbeat / update / end ────────────────────────────────

// Heartbeat refreshes an active session's liveness and returns the next
// heartbeat deadline.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) (*models.Session, time.Time, error) {
	if sessionID == "" {
		return nil, time.Time{}, errs.Field("session_id", "required")
	}
	now := m.clock()
	ok, err := m.store.TouchSession(ctx, sessionID, now)
	if err != nil {
		return nil, time.Time{}, store.Classify(err)
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, time.Time{}, store.Classify(err)
	}
	if !ok || !s.Active() {
		return nil, time.Time{}, endedError(s)
	}
	return s, m.NextHeartbeat(now), nil
}

// UpdateRequest patches mutable session metadata. Nil fields are kept.
type UpdateRequest struct {
	SessionID   string          `json:"session_id"`
	Branch      *string         `json:"branch,omitempty"`
	CommitSHA   *string         `json:"commit_sha,omitempty"`
	IssueNumber *int            `json:"issue_number,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// Update patches an active session's metadata and refreshes its heartbeat.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*models.Session, error) {
	if req.SessionID == "" {
		return nil, errs.Field("session_id", "required")
	}
	if req.IssueNumber != nil && *req.IssueNumber < 1 {
		return nil, errs.Field("issue_number", "must be positive")
	}
	meta, err := canonicalMeta(req.Meta)
	if err != nil {
		return nil, err
	}

	var updated *models.Session
	err = m.store.WithTx(ctx, func(c *store.Conn) error {
		s, err := c.GetSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !s.Active() {
			return endedError(s)
		}
		if req.Branch != nil {
			s.Branch = *req.Branch
		}
		if req.CommitSHA != nil {
			s.CommitSHA = *req.CommitSHA
		}
		if req.IssueNumber != nil {
			s.IssueNumber = req.IssueNumber
		}
		if meta != nil {
			s.Meta = meta
		}
		s.LastHeartbeatAt = m.clock()
		if _, err := c.UpdateSessionMeta(ctx, s); err != nil {
			return err
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	return updated, nil
}

// End closes a session. Repeating the same reason is a no-op; a different
// reason for an already-ended session conflicts.
func (m *Manager) End(ctx context.Context, sessionID string, reason models.EndReason) (*models.Session, error) {
	if sessionID == "" {
		return nil, errs.Field("session_id", "required")
	}
	if reason != models.EndCompleted && reason != models.EndAbandoned {
		return nil, errs.Field("end_reason", "must be completed or abandoned")
	}

	var ended *models.Session
	err := m.store.WithTx(ctx, func(c *store.Conn) error {
		s, err := c.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !s.Active() {
			if s.EndReason != nil && *s.EndReason == reason {
				ended = s
				return nil
			}
			if s.EndReason != nil && *s.EndReason == models.EndCompleted {
				return errs.Conflict(errs.CodeEndReasonConflict,
					"session already ended with reason "+string(*s.EndReason))
			}
			return endedError(s)
		}
		now := m.clock()
		if _, err := c.EndSession(ctx, s.ID, reason, now); err != nil {
			return err
		}
		s.Status = models.SessionEnded
		s.EndReason = &reason
		s.EndedAt = &now
		ended = s
		return nil
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	log.Info().Str("session_id", sessionID).Str("end_reason", string(reason)).Msg("Session ended")
	return ended, nil
}

// ── Reads ───────────────────────────────────────────────────

// Get loads one session.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, store.Classify(err)
	}
	return s, nil
}

// ListActive returns the active sessions of a venture, optionally one repo.
func (m *Manager) ListActive(ctx context.Context, venture, repo string) ([]models.Session, error) {
	if err := m.ventures.CheckVenture(venture); err != nil {
		return nil, err
	}
	list, err := m.store.ListActiveSessions(ctx, venture, repo)
	if err != nil {
		return nil, store.Classify(err)
	}
	if list == nil {
		list = []models.Session{}
	}
	return list, nil
}

// ── Helpers ─────────────────────────────────────────────────

func endedError(s *models.Session) error {
	reason := "ended"
	if s.EndReason != nil {
		reason = string(*s.EndReason)
	}
	return errs.Conflict(errs.CodeSessionEnded, "session "+s.ID+" is no longer active ("+reason+")")
}

func canonicalMeta(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if len(raw) > MaxMetaBytes {
		return nil, errs.TooLarge("meta exceeds 64 KiB")
	}
	canonical, err := ids.Canonicalize(raw)
	if err != nil {
		return nil, errs.Field("meta", "must be valid JSON")
	}
	return canonical, nil
}

func checkText(details map[string]string, field, value string, max int) {
	switch {
	case value == "":
		details[field] = "required"
	case len(value) > max:
		details[field] = "too long"
	}
}
