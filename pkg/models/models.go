package models

import (
	"encoding/json"
	"time"
)

// ── Venture ──────────────────────────────────────────────────

// Venture is a tenant scope loaded from configuration. Never mutated at runtime.
type Venture struct {
	Code              string `json:"code" yaml:"code"`
	Name              string `json:"name" yaml:"name"`
	GitHubOrg         string `json:"github_org,omitempty" yaml:"github_org"`
	ReviewCadenceDays int    `json:"review_cadence_days,omitempty" yaml:"review_cadence_days"`
}

// ── Session ──────────────────────────────────────────────────

// SessionStatus tracks the lifecycle of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// EndReason records why a session stopped being active.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndAbandoned  EndReason = "abandoned"
	EndSuperseded EndReason = "superseded"
)

// Valid reports whether r is a known end reason.
func (r EndReason) Valid() bool {
	switch r {
	case EndCompleted, EndAbandoned, EndSuperseded:
		return true
	}
	return false
}

// Session is a tracked unit of in-progress work for a (venture, repo, track)
// tuple. Sessions are never deleted; ending one keeps it as an audit record.
type Session struct {
	ID              string          `json:"id"`
	Venture         string          `json:"venture"`
	Repo            string          `json:"repo"`
	Track           *int            `json:"track,omitempty"`
	IssueNumber     *int            `json:"issue_number,omitempty"`
	Agent           string          `json:"agent"`
	Status          SessionStatus   `json:"status"`
	EndReason       *EndReason      `json:"end_reason,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	CommitSHA       string          `json:"commit_sha,omitempty"`
	Meta            json.RawMessage `json:"meta,omitempty"`
	PredecessorID   string          `json:"predecessor_id,omitempty"`
	ActorKeyID      string          `json:"actor_key_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// Active reports whether the session is still open.
func (s *Session) Active() bool { return s.Status == SessionActive }

// ResumeOutcome is the result of a start-of-day call.
type ResumeOutcome string

const (
	OutcomeCreated ResumeOutcome = "created"
	OutcomeResumed ResumeOutcome = "resumed"
)

// ── Checkpoint ───────────────────────────────────────────────

// Checkpoint is an append-only progress marker within a session.
type Checkpoint struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Label     string          `json:"label"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ── Handoff ──────────────────────────────────────────────────

// HandoffStatus is the work-state label carried by a handoff.
type HandoffStatus string

const (
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffBlocked    HandoffStatus = "blocked"
	HandoffDone       HandoffStatus = "done"
)

// Valid reports whether s is a known handoff status.
func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffInProgress, HandoffBlocked, HandoffDone:
		return true
	}
	return false
}

// Handoff is an immutable record of a work-state transfer between agents.
type Handoff struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Venture     string          `json:"venture"`
	Repo        string          `json:"repo"`
	Track       *int            `json:"track,omitempty"`
	IssueNumber *int            `json:"issue_number,omitempty"`
	FromAgent   string          `json:"from_agent"`
	Summary     string          `json:"summary"`
	Status      HandoffStatus   `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash,omitempty"`
	PayloadSize int             `json:"payload_size"`
	ActorKeyID  string          `json:"actor_key_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ── Notes ────────────────────────────────────────────────────

// NoteCategory is the enumerated kind of a note.
type NoteCategory string

const (
	NoteLog        NoteCategory = "log"
	NoteReference  NoteCategory = "reference"
	NoteContact    NoteCategory = "contact"
	NoteIdea       NoteCategory = "idea"
	NoteGovernance NoteCategory = "governance"
)

// Valid reports whether c is a known category.
func (c NoteCategory) Valid() bool {
	switch c {
	case NoteLog, NoteReference, NoteContact, NoteIdea, NoteGovernance:
		return true
	}
	return false
}

// Note is a knowledge-store entry. Venture nil means enterprise-wide.
type Note struct {
	ID         string          `json:"id"`
	Category   NoteCategory    `json:"category"`
	Title      string          `json:"title,omitempty"`
	Content    string          `json:"content"`
	Tags       []string        `json:"tags"`
	Venture    *string         `json:"venture,omitempty"`
	Archived   bool            `json:"archived"`
	ActorKeyID string          `json:"actor_key_id,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NoteFilter narrows a notes listing.
type NoteFilter struct {
	Category        NoteCategory
	Venture         string
	Tag             string
	Query           string
	IncludeArchived bool
	Limit           int
	Cursor          string
}

// ── Schedule ─────────────────────────────────────────────────

// ScheduleStatus is derived at read time; it is never stored.
type ScheduleStatus string

const (
	ScheduleCurrent  ScheduleStatus = "current"
	ScheduleDue      ScheduleStatus = "due"
	ScheduleOverdue  ScheduleStatus = "overdue"
	ScheduleNeverRun ScheduleStatus = "never-run"
)

// CompletionResult is the outcome of one run of a recurring task.
type CompletionResult string

const (
	ResultSuccess CompletionResult = "success"
	ResultWarning CompletionResult = "warning"
	ResultFailure CompletionResult = "failure"
	ResultSkipped CompletionResult = "skipped"
)

// Valid reports whether r is a known result.
func (r CompletionResult) Valid() bool {
	switch r {
	case ResultSuccess, ResultWarning, ResultFailure, ResultSkipped:
		return true
	}
	return false
}

// ScheduleItem is a recurring operational task. Scope nil means global.
type ScheduleItem struct {
	Name            string            `json:"name" yaml:"name"`
	Title           string            `json:"title" yaml:"title"`
	Description     string            `json:"description,omitempty" yaml:"description"`
	CadenceDays     int               `json:"cadence_days" yaml:"cadence_days"`
	Priority        int               `json:"priority" yaml:"priority"`
	Scope           *string           `json:"scope,omitempty" yaml:"scope"`
	LastCompletedAt *time.Time        `json:"last_completed_at,omitempty" yaml:"-"`
	LastResult      *CompletionResult `json:"last_result,omitempty" yaml:"-"`
	LastSummary     string            `json:"last_summary,omitempty" yaml:"-"`
	LastCompletedBy string            `json:"last_completed_by,omitempty" yaml:"-"`
}

// BriefingItem is a schedule item annotated with its computed status.
type BriefingItem struct {
	ScheduleItem
	Status    ScheduleStatus `json:"status"`
	DaysSince *int           `json:"days_since,omitempty"`
}

// Briefing is the cadence summary returned by GET /schedule.
type Briefing struct {
	Items         []BriefingItem `json:"items"`
	OverdueCount  int            `json:"overdue_count"`
	DueCount      int            `json:"due_count"`
	NeverRunCount int            `json:"never_run_count"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// ── Machines ─────────────────────────────────────────────────

// MachineStatus is the operator-visible state of a fleet node.
type MachineStatus string

const (
	MachineActive   MachineStatus = "active"
	MachineInactive MachineStatus = "inactive"
)

// Machine is a fleet node. (Hostname, User) identifies it for re-registration.
type Machine struct {
	ID           string        `json:"id"`
	Hostname     string        `json:"hostname"`
	Address      string        `json:"address"`
	User         string        `json:"user"`
	OS           string        `json:"os"`
	Arch         string        `json:"arch"`
	PublicKey    string        `json:"public_key,omitempty"`
	Role         string        `json:"role"`
	Status       MachineStatus `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastSeenAt   time.Time     `json:"last_seen_at"`
}

// MachineFilter narrows a fleet listing.
type MachineFilter struct {
	Role   string
	Status string
}

// ── Docs ─────────────────────────────────────────────────────

// Doc is one immutable version of an admin-managed document.
type Doc struct {
	Scope       string    `json:"scope"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	ContentSize int       `json:"content_size"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Idempotency ──────────────────────────────────────────────

// IdempotencyState marks whether the original request has finished.
type IdempotencyState string

const (
	IdempotencyPending  IdempotencyState = "pending"
	IdempotencyComplete IdempotencyState = "complete"
)

// IdempotencyRecord maps (endpoint, key) to the original request hash and
// the serialized response.
type IdempotencyRecord struct {
	Endpoint       string
	Key            string
	BodyHash       string
	State          IdempotencyState
	ResponseStatus int
	ResponseBody   []byte
	ActorKeyID     string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	// LeaseUntil bounds how long a pending reservation is held for its
	// owner. Zero means the reservation is held until ExpiresAt.
	LeaseUntil time.Time
}

// Expired reports whether the record is past its TTL at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Abandoned reports whether the record is pending and its owner's lease
// ran out at now.
func (r *IdempotencyRecord) Abandoned(now time.Time) bool {
	return r.State == IdempotencyPending && !r.LeaseUntil.IsZero() && !now.Before(r.LeaseUntil)
}

// Reclaimable reports whether a new request may take the record over.
func (r *IdempotencyRecord) Reclaimable(now time.Time) bool {
	return r.Expired(now) || r.Abandoned(now)
}

// ── Pagination ───────────────────────────────────────────────

// Page is a newest-first slice of results with an opaque continuation token.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}
