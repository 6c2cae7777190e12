// Package schedule is the cadence engine for recurring operational tasks.
// Status is never stored; it is derived at read time from the last
// completion and the cadence.
package schedule

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/contracts"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// MaxSummaryChars bounds a completion summary.
const MaxSummaryChars = 2000

const day = 24 * time.Hour

// Status computes the status of an item at now. daysSince is nil when
// the item has never been completed. A completion in the future counts
// as zero days ago.
func Status(now time.Time, lastCompleted *time.Time, cadenceDays int) (models.ScheduleStatus, *int) {
	if lastCompleted == nil {
		return models.ScheduleNeverRun, nil
	}
	days := int(now.Sub(*lastCompleted) / day)
	if days < 0 {
		days = 0
	}
	switch {
	case days > 2*cadenceDays:
		return models.ScheduleOverdue, &days
	case days >= cadenceDays:
		return models.ScheduleDue, &days
	default:
		return models.ScheduleCurrent, &days
	}
}

func urgency(s models.ScheduleStatus) int {
	switch s {
	case models.ScheduleOverdue:
		return 0
	case models.ScheduleDue:
		return 1
	case models.ScheduleNeverRun:
		return 2
	default:
		return 3
	}
}

// Annotate computes the status of every item and sorts them by urgency,
// then priority, then name.
func Annotate(now time.Time, items []models.ScheduleItem) *models.Briefing {
	b := &models.Briefing{Items: make([]models.BriefingItem, 0, len(items)), GeneratedAt: now}
	for _, it := range items {
		status, days := Status(now, it.LastCompletedAt, it.CadenceDays)
		b.Items = append(b.Items, models.BriefingItem{ScheduleItem: it, Status: status, DaysSince: days})
		switch status {
		case models.ScheduleOverdue:
			b.OverdueCount++
		case models.ScheduleDue:
			b.DueCount++
		case models.ScheduleNeverRun:
			b.NeverRunCount++
		}
	}
	sort.SliceStable(b.Items, func(i, j int) bool {
		a, c := b.Items[i], b.Items[j]
		if ua, uc := urgency(a.Status), urgency(c.Status); ua != uc {
			return ua < uc
		}
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		return a.Name < c.Name
	})
	return b
}

// Engine reads and completes schedule items.
type Engine struct {
	store    *store.Store
	ventures contracts.VentureCatalog
	now      func() time.Time
}

// NewEngine creates a cadence engine.
func NewEngine(st *store.Store, ventures contracts.VentureCatalog) *Engine {
	return &Engine{store: st, ventures: ventures, now: time.Now}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) clock() time.Time { return e.now().UTC().Truncate(time.Microsecond) }

// Briefing lists global items plus the items of scope (every item when
// scope is empty), annotated and sorted.
func (e *Engine) Briefing(ctx context.Context, scope string) (*models.Briefing, error) {
	if scope != "" {
		if err := e.ventures.CheckVenture(scope); err != nil {
			return nil, errs.Field("scope", errs.FieldMessage(err, "venture"))
		}
	}
	items, err := e.store.ListScheduleItems(ctx, scope)
	if err != nil {
		return nil, store.Classify(err)
	}
	return Annotate(e.clock(), items), nil
}

// CompleteRequest is the body of POST /schedule/{name}/complete.
type CompleteRequest struct {
	Name        string                  `json:"-"`
	Result      models.CompletionResult `json:"result"`
	Summary     string                  `json:"summary,omitempty"`
	CompletedBy string                  `json:"completed_by,omitempty"`
}

// Complete records a run of the named item. Any result resets the
// cadence clock, failures included.
func (e *Engine) Complete(ctx context.Context, req CompleteRequest) (*models.BriefingItem, error) {
	details := map[string]string{}
	if !req.Result.Valid() {
		details["result"] = "must be one of success, warning, failure, skipped"
	}
	if utf8.RuneCountInString(req.Summary) > MaxSummaryChars {
		details["summary"] = "must be at most 2000 characters"
	}
	if len(details) > 0 {
		return nil, errs.Validation("invalid completion", details)
	}

	now := e.clock()
	var it *models.ScheduleItem
	err := e.store.WithTx(ctx, func(c *store.Conn) error {
		ok, err := c.CompleteScheduleItem(ctx, req.Name, req.Result, req.Summary, req.CompletedBy, now)
		if err != nil {
			return err
		}
		if !ok {
			return &store.ErrNotFound{Entity: "schedule item", Key: req.Name}
		}
		it, err = c.GetScheduleItem(ctx, req.Name)
		return err
	})
	if err != nil {
		return nil, store.Classify(err)
	}

	log.Info().
		Str("item", it.Name).
		Str("result", string(req.Result)).
		Str("completed_by", req.CompletedBy).
		Msg("Schedule item completed")

	status, days := Status(now, it.LastCompletedAt, it.CadenceDays)
	return &models.BriefingItem{ScheduleItem: *it, Status: status, DaysSince: days}, nil
}

// Seed upserts item definitions, keeping completion history.
func (e *Engine) Seed(ctx context.Context, items []models.ScheduleItem) error {
	for i := range items {
		if err := Validate(&items[i]); err != nil {
			return err
		}
	}
	err := e.store.WithTx(ctx, func(c *store.Conn) error {
		for i := range items {
			if err := c.UpsertScheduleItem(ctx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Classify(err)
	}
	log.Info().Int("items", len(items)).Msg("Schedule seeded")
	return nil
}

// Validate checks an item definition.
func Validate(it *models.ScheduleItem) error {
	details := map[string]string{}
	if it.Name == "" {
		details["name"] = "required"
	}
	if it.Title == "" {
		details["title"] = "required"
	}
	if it.CadenceDays < 1 {
		details["cadence_days"] = "must be at least 1"
	}
	if len(details) > 0 {
		return errs.Validation("invalid schedule item "+it.Name, details)
	}
	return nil
}
