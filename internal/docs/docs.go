// Package docs stores admin-managed documents as immutable numbered
// versions.
package docs

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// MaxContentBytes bounds a document version.
const MaxContentBytes = 500 << 10

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// Library uploads and reads documents.
type Library struct {
	store *store.Store
	now   func() time.Time
}

// NewLibrary creates a document library.
func NewLibrary(st *store.Store) *Library {
	return &Library{store: st, now: time.Now}
}

// SetClock overrides the time source.
func (l *Library) SetClock(now func() time.Time) { l.now = now }

// UploadRequest is one document upload.
type UploadRequest struct {
	Scope      string `json:"-"`
	Name       string `json:"-"`
	Content    string `json:"content"`
	UploadedBy string `json:"-"`
}

func checkPath(scope, name string) error {
	details := map[string]string{}
	if !namePattern.MatchString(scope) {
		details["scope"] = "must match " + namePattern.String()
	}
	if !namePattern.MatchString(name) {
		details["name"] = "must match " + namePattern.String()
	}
	if len(details) > 0 {
		return errs.Validation("invalid document path", details)
	}
	return nil
}

// Upload stores content as the next version of scope/name. Content equal
// to the latest version returns that version with created false.
func (l *Library) Upload(ctx context.Context, req UploadRequest) (d *models.Doc, created bool, err error) {
	if err := checkPath(req.Scope, req.Name); err != nil {
		return nil, false, err
	}
	if req.Content == "" {
		return nil, false, errs.Field("content", "required")
	}
	if len(req.Content) > MaxContentBytes {
		return nil, false, errs.TooLarge("document exceeds 500 KiB")
	}
	hash := ids.Hash([]byte(req.Content))

	err = l.store.WithTx(ctx, func(c *store.Conn) error {
		latest, err := c.GetDoc(ctx, req.Scope, req.Name, 0)
		version := 1
		switch {
		case err == nil:
			if latest.ContentHash == hash {
				d, created = latest, false
				return nil
			}
			version = latest.Version + 1
		case !store.IsNotFound(err):
			return err
		}
		d = &models.Doc{
			Scope:       req.Scope,
			Name:        req.Name,
			Version:     version,
			Content:     req.Content,
			ContentHash: hash,
			ContentSize: len(req.Content),
			UploadedBy:  req.UploadedBy,
			CreatedAt:   l.now().UTC().Truncate(time.Microsecond),
		}
		created = true
		return c.InsertDoc(ctx, d)
	})
	if err != nil {
		return nil, false, store.Classify(err)
	}
	if created {
		log.Info().Str("scope", d.Scope).Str("name", d.Name).Int("version", d.Version).Msg("Document uploaded")
	}
	return d, created, nil
}

// Get returns a version of scope/name; version 0 means latest.
func (l *Library) Get(ctx context.Context, scope, name string, version int) (*models.Doc, error) {
	if err := checkPath(scope, name); err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, errs.Field("version", "must be positive")
	}
	d, err := l.store.GetDoc(ctx, scope, name, version)
	if err != nil {
		return nil, store.Classify(err)
	}
	return d, nil
}

// List returns latest-version metadata, optionally for one scope.
func (l *Library) List(ctx context.Context, scope string) ([]models.Doc, error) {
	if scope != "" && !namePattern.MatchString(scope) {
		return nil, errs.Field("scope", "must match "+namePattern.String())
	}
	out, err := l.store.ListLatestDocs(ctx, scope)
	if err != nil {
		return nil, store.Classify(err)
	}
	if out == nil {
		out = []models.Doc{}
	}
	return out, nil
}
