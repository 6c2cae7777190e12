// Package notes is the venture-scoped knowledge store: tagged notes with
// filtered search, cursor pagination and enterprise-context packing.
package notes

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
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
	MaxContentBytes = 500 << 10
	MaxTitleChars   = 200
	MaxTags         = 20
	MaxTagChars     = 64
	MaxMetaBytes    = 64 << 10
)

// Write actions accepted by Apply.
const (
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionArchive   = "archive"
	ActionUnarchive = "unarchive"
)

// ContextConfig selects and bounds the enterprise context.
type ContextConfig struct {
	Tags     []string
	MaxNotes int
	Budget   int
	Floor    int
}

// DefaultContextConfig returns the production context settings.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Tags:     []string{"executive-summary"},
		MaxNotes: 20,
		Budget:   12000,
		Floor:    500,
	}
}

// Service manages notes.
type Service struct {
	store    *store.Store
	ventures contracts.VentureCatalog
	ctxCfg   ContextConfig
	now      func() time.Time
}

// NewService creates a notes service.
func NewService(st *store.Store, ventures contracts.VentureCatalog, cfg ContextConfig) *Service {
	return &Service{store: st, ventures: ventures, ctxCfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) clock() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// WriteRequest is the body of POST /notes. On update, nil fields are kept;
// an empty Venture string moves the note to global scope.
type WriteRequest struct {
	Action     string              `json:"action"`
	ID         string              `json:"id,omitempty"`
	Category   models.NoteCategory `json:"category,omitempty"`
	Title      *string             `json:"title,omitempty"`
	Content    *string             `json:"content,omitempty"`
	Tags       *[]string           `json:"tags,omitempty"`
	Venture    *string             `json:"venture,omitempty"`
	Meta       json.RawMessage     `json:"meta,omitempty"`
	ActorKeyID string              `json:"-"`
}

// Apply dispatches a write by action.
func (s *Service) Apply(ctx context.Context, req WriteRequest) (*models.Note, error) {
	switch req.Action {
	case ActionCreate:
		return s.Create(ctx, req)
	case ActionUpdate:
		return s.Update(ctx, req)
	case ActionArchive:
		return s.SetArchived(ctx, req.ID, true)
	case ActionUnarchive:
		return s.SetArchived(ctx, req.ID, false)
	default:
		return nil, errs.Field("action", "must be one of create, update, archive, unarchive")
	}
}

// Create stores a new note.
func (s *Service) Create(ctx context.Context, req WriteRequest) (*models.Note, error) {
	details := map[string]string{}
	if !req.Category.Valid() {
		details["category"] = "must be one of log, reference, contact, idea, governance"
	}
	if req.Content == nil || *req.Content == "" {
		details["content"] = "required"
	}
	n := &models.Note{
		ID:         ids.New(ids.PrefixNote),
		Category:   req.Category,
		ActorKeyID: req.ActorKeyID,
		Tags:       []string{},
	}
	if err := s.applyFields(n, &req, details); err != nil {
		return nil, err
	}
	n.CreatedAt = s.clock()
	n.UpdatedAt = n.CreatedAt

	if err := s.store.WithTx(ctx, func(c *store.Conn) error {
		return c.InsertNote(ctx, n)
	}); err != nil {
		return nil, store.Classify(err)
	}
	log.Info().Str("note_id", n.ID).Str("category", string(n.Category)).Msg("Note created")
	return n, nil
}

// Update patches an existing note by ID. Archived notes can be updated.
func (s *Service) Update(ctx context.Context, req WriteRequest) (*models.Note, error) {
	if req.ID == "" {
		return nil, errs.Field("id", "required")
	}
	if req.Content != nil && *req.Content == "" {
		return nil, errs.Field("content", "must not be empty")
	}
	if req.Category != "" && !req.Category.Valid() {
		return nil, errs.Field("category", "must be one of log, reference, contact, idea, governance")
	}

	var updated *models.Note
	err := s.store.WithTx(ctx, func(c *store.Conn) error {
		n, err := c.GetNote(ctx, req.ID)
		if err != nil {
			return err
		}
		if req.Category != "" {
			n.Category = req.Category
		}
		if err := s.applyFields(n, &req, map[string]string{}); err != nil {
			return err
		}
		n.UpdatedAt = s.clock()
		if err := c.UpdateNote(ctx, n); err != nil {
			return err
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	return updated, nil
}

// applyFields validates and copies the optional fields of req onto n.
func (s *Service) applyFields(n *models.Note, req *WriteRequest, details map[string]string) error {
	if req.Title != nil {
		if utf8.RuneCountInString(*req.Title) > MaxTitleChars {
			details["title"] = "must be at most 200 characters"
		}
		n.Title = *req.Title
	}
	if req.Tags != nil {
		tags, msg := NormalizeTags(*req.Tags)
		if msg != "" {
			details["tags"] = msg
		}
		n.Tags = tags
	}
	if req.Venture != nil {
		if *req.Venture == "" {
			n.Venture = nil
		} else {
			if err := s.ventures.CheckVenture(*req.Venture); err != nil {
				details["venture"] = errs.FieldMessage(err, "venture")
			}
			v := *req.Venture
			n.Venture = &v
		}
	}
	if len(details) > 0 {
		return errs.Validation("invalid note", details)
	}
	if req.Content != nil {
		if len(*req.Content) > MaxContentBytes {
			return errs.TooLarge("note content exceeds 500 KiB")
		}
		n.Content = *req.Content
	}
	if len(req.Meta) > 0 && string(req.Meta) != "null" {
		if len(req.Meta) > MaxMetaBytes {
			return errs.TooLarge("note meta exceeds 64 KiB")
		}
		canonical, err := ids.Canonicalize(req.Meta)
		if err != nil {
			return errs.Field("meta", "must be valid JSON")
		}
		n.Meta = canonical
	}
	return nil
}

// NormalizeTags lowercases, trims, dedupes and sorts tags. The second
// result is a validation message, empty when the tags are acceptable.
func NormalizeTags(in []string) ([]string, string) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || utf8.RuneCountInString(t) > MaxTagChars {
			return nil, "each tag must be 1-64 characters"
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) > MaxTags {
		return nil, "at most 20 tags"
	}
	sort.Strings(out)
	return out, ""
}

// SetArchived archives or restores a note.
func (s *Service) SetArchived(ctx context.Context, id string, archived bool) (*models.Note, error) {
	if id == "" {
		return nil, errs.Field("id", "required")
	}
	if err := s.store.SetNoteArchived(ctx, id, archived, s.clock()); err != nil {
		return nil, store.Classify(err)
	}
	return s.Get(ctx, id)
}

// Get loads a note by ID, archived or not.
func (s *Service) Get(ctx context.Context, id string) (*models.Note, error) {
	n, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, store.Classify(err)
	}
	return n, nil
}

// Search lists notes matching f, newest first.
func (s *Service) Search(ctx context.Context, f models.NoteFilter) (*models.Page[models.Note], error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, errs.Field("category", "must be one of log, reference, contact, idea, governance")
	}
	limit, err := ids.PageLimit(f.Limit)
	if err != nil {
		return nil, err
	}
	q := store.NoteQuery{
		Category:        f.Category,
		Venture:         f.Venture,
		Tag:             strings.ToLower(strings.TrimSpace(f.Tag)),
		Text:            f.Query,
		IncludeArchived: f.IncludeArchived,
		Limit:           limit,
	}
	if f.Cursor != "" {
		cur, err := ids.DecodeCursor(f.Cursor)
		if err != nil {
			return nil, errs.Field("cursor", "invalid cursor")
		}
		q.After = &cur
	}

	rows, err := s.store.QueryNotes(ctx, q)
	if err != nil {
		return nil, store.Classify(err)
	}
	page := &models.Page[models.Note]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		last := page.Items[limit-1]
		page.NextCursor = ids.EncodeCursor(ids.Cursor{CreatedAt: store.FormatTime(last.CreatedAt), ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []models.Note{}
	}
	return page, nil
}

// EnterpriseContext packs the configured context notes for venture.
func (s *Service) EnterpriseContext(ctx context.Context, venture string) (*Packed, error) {
	candidates, err := s.store.ContextNotes(ctx, s.ctxCfg.Tags, s.ctxCfg.MaxNotes)
	if err != nil {
		return nil, store.Classify(err)
	}
	packed := Pack(Rank(venture, candidates), PackOptions{Budget: s.ctxCfg.Budget, Floor: s.ctxCfg.Floor})
	return &packed, nil
}
