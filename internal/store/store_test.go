package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/internal/store/storetest"
	"github.com/venturecrane/crane-relay/pkg/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSession(id string, track *int, at time.Time) *models.Session {
	return &models.Session{
		ID:              id,
		Venture:         "vc",
		Repo:            "crane-console",
		Track:           track,
		Agent:           "agent-a",
		Status:          models.SessionActive,
		CreatedAt:       at,
		LastHeartbeatAt: at,
	}
}

// ─── Migrations ──────────────────────────────────────────────

func TestMigrateIsRepeatable(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	n, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run applies nothing")

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.LatestVersion(), v)
}

// ─── Sessions ────────────────────────────────────────────────

func TestOneActiveSessionPerTuple(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	one := 1

	require.NoError(t, s.InsertSession(ctx, newSession("sess_a", nil, base)))
	require.Error(t, s.InsertSession(ctx, newSession("sess_b", nil, base)), "same tuple, null track")

	require.NoError(t, s.InsertSession(ctx, newSession("sess_c", &one, base)), "track 1 is a separate tuple")

	ended, err := s.EndSession(ctx, "sess_a", models.EndCompleted, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ended)
	require.NoError(t, s.InsertSession(ctx, newSession("sess_d", nil, base)), "ended sessions do not count")

	active, err := s.ActiveSessionsFor(ctx, "vc", "crane-console", nil)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess_d", active[0].ID)
}

func TestSessionRoundTrip(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	issue := 42

	in := newSession("sess_rt", nil, base)
	in.IssueNumber = &issue
	in.Branch = "feat/x"
	in.Meta = []byte(`{"k":"v"}`)
	require.NoError(t, s.InsertSession(ctx, in))

	got, err := s.GetSession(ctx, "sess_rt")
	require.NoError(t, err)
	assert.Equal(t, base, got.CreatedAt)
	assert.Equal(t, 42, *got.IssueNumber)
	assert.Nil(t, got.Track)
	assert.Equal(t, "feat/x", got.Branch)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Meta))
	assert.Nil(t, got.EndedAt)

	_, err = s.GetSession(ctx, "sess_missing")
	assert.True(t, store.IsNotFound(err))
}

func TestEndSessionOnlyOnce(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, s.InsertSession(ctx, newSession("sess_e", nil, base)))

	ok, err := s.EndSession(ctx, "sess_e", models.EndAbandoned, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EndSession(ctx, "sess_e", models.EndCompleted, base)
	require.NoError(t, err)
	assert.False(t, ok)

	touched, err := s.TouchSession(ctx, "sess_e", base)
	require.NoError(t, err)
	assert.False(t, touched)

	got, err := s.GetSession(ctx, "sess_e")
	require.NoError(t, err)
	assert.Equal(t, models.EndAbandoned, *got.EndReason)
}

// ─── Handoffs ────────────────────────────────────────────────

func TestHandoffPaginationStableUnderInserts(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, s.InsertSession(ctx, newSession("sess_h", nil, base)))

	insert := func(i int, at time.Time) {
		require.NoError(t, s.InsertHandoff(ctx, &models.Handoff{
			ID:        fmt.Sprintf("ho_%03d", i),
			SessionID: "sess_h",
			Venture:   "vc",
			Repo:      "crane-console",
			FromAgent: "agent-a",
			Summary:   "step",
			Status:    models.HandoffInProgress,
			CreatedAt: at,
		}))
	}
	for i := 0; i < 5; i++ {
		insert(i, base.Add(time.Duration(i)*time.Second))
	}

	page1, err := s.QueryHandoffs(ctx, store.HandoffQuery{Venture: "vc", Repo: "crane-console", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 3, "limit+1 rows signal another page")
	assert.Equal(t, "ho_004", page1[0].ID)
	assert.Equal(t, "ho_003", page1[1].ID)

	cursor := ids.Cursor{CreatedAt: store.FormatTime(page1[1].CreatedAt), ID: page1[1].ID}
	insert(99, base.Add(time.Hour))

	page2, err := s.QueryHandoffs(ctx, store.HandoffQuery{Venture: "vc", Repo: "crane-console", Limit: 2, After: &cursor})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, "ho_002", page2[0].ID)
	assert.Equal(t, "ho_001", page2[1].ID)

	latest, err := s.LatestHandoff(ctx, "vc", "crane-console")
	require.NoError(t, err)
	assert.Equal(t, "ho_099", latest.ID)
}

// ─── Notes ───────────────────────────────────────────────────

func TestNotesQueryFilters(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	vc := "vc"

	notes := []*models.Note{
		{ID: "note_1", Category: models.NoteReference, Title: "Deploy runbook", Content: "wrangler deploy", Tags: []string{"ops"}},
		{ID: "note_2", Category: models.NoteIdea, Content: "100% coverage", Tags: []string{"executive-summary", "ops"}, Venture: &vc},
		{ID: "note_3", Category: models.NoteLog, Content: "archived entry", Tags: []string{"ops"}},
	}
	for i, n := range notes {
		n.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		n.UpdatedAt = n.CreatedAt
		require.NoError(t, s.InsertNote(ctx, n))
	}
	require.NoError(t, s.SetNoteArchived(ctx, "note_3", true, base.Add(time.Hour)))

	all, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "note_2", all[0].ID)
	assert.Equal(t, []string{"executive-summary", "ops"}, all[0].Tags)

	withArchived, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, withArchived, 3)

	byText, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Text: "RUNBOOK"})
	require.NoError(t, err)
	require.Len(t, byText, 1)
	assert.Equal(t, "note_1", byText[0].ID)

	percent, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Text: "100%"})
	require.NoError(t, err)
	require.Len(t, percent, 1, "LIKE wildcards in the query are literal")

	byTag, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Tag: "executive-summary", Venture: "vc"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)

	archived, err := s.GetNote(ctx, "note_3")
	require.NoError(t, err)
	assert.True(t, archived.Archived, "archived notes stay addressable by id")

	ctxNotes, err := s.ContextNotes(ctx, []string{"executive-summary"}, 20)
	require.NoError(t, err)
	require.Len(t, ctxNotes, 1)
	assert.Equal(t, "note_2", ctxNotes[0].ID)
}

func TestNotesTextSearchFoldsNonASCII(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	n := &models.Note{ID: "note_de", Category: models.NoteLog, Title: "Ärger im Büro", Content: "Über alles",
		CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.InsertNote(ctx, n))

	for _, q := range []string{"Ärger", "ärger", "ÄRGER", "über", "BÜRO", "im büro"} {
		got, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Text: q})
		require.NoError(t, err)
		assert.Len(t, got, 1, "query %q", q)
	}

	n.Title = "Erledigt"
	n.Content = "Straße gesperrt"
	n.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.UpdateNote(ctx, n))

	gone, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Text: "über"})
	require.NoError(t, err)
	assert.Empty(t, gone, "search text follows updates")

	found, err := s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Text: "STRASSE gesperrt"})
	require.NoError(t, err)
	assert.Empty(t, found, "folding is lowercase only, not full case folding")

	found, err = s.QueryNotes(ctx, store.NoteQuery{Limit: 10, Text: "Straße"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestUpdateNoteReplacesTags(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	n := &models.Note{ID: "note_u", Category: models.NoteLog, Content: "v1", Tags: []string{"a", "b"},
		CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.InsertNote(ctx, n))

	n.Content = "v2"
	n.Tags = []string{"c"}
	n.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.UpdateNote(ctx, n))

	got, err := s.GetNote(ctx, "note_u")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, []string{"c"}, got.Tags)

	err = s.UpdateNote(ctx, &models.Note{ID: "note_missing", Category: models.NoteLog, Content: "x"})
	assert.True(t, store.IsNotFound(err))
}

// ─── Schedule ────────────────────────────────────────────────

func TestScheduleUpsertKeepsCompletion(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	item := &models.ScheduleItem{Name: "weekly-review", Title: "Weekly review", CadenceDays: 7, Priority: 1}
	require.NoError(t, s.UpsertScheduleItem(ctx, item))

	ok, err := s.CompleteScheduleItem(ctx, "weekly-review", models.ResultFailure, "broke", "agent-a", base)
	require.NoError(t, err)
	assert.True(t, ok)

	item.CadenceDays = 14
	require.NoError(t, s.UpsertScheduleItem(ctx, item))

	got, err := s.GetScheduleItem(ctx, "weekly-review")
	require.NoError(t, err)
	assert.Equal(t, 14, got.CadenceDays)
	require.NotNil(t, got.LastCompletedAt)
	assert.Equal(t, base, *got.LastCompletedAt)
	assert.Equal(t, models.ResultFailure, *got.LastResult)

	ok, err = s.CompleteScheduleItem(ctx, "missing", models.ResultSuccess, "", "", base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListScheduleItemsByScope(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	vc, ke := "vc", "ke"

	for _, it := range []*models.ScheduleItem{
		{Name: "global", Title: "g", CadenceDays: 1},
		{Name: "vc-only", Title: "v", CadenceDays: 1, Scope: &vc},
		{Name: "ke-only", Title: "k", CadenceDays: 1, Scope: &ke},
	} {
		require.NoError(t, s.UpsertScheduleItem(ctx, it))
	}

	items, err := s.ListScheduleItems(ctx, "vc")
	require.NoError(t, err)
	var names []string
	for _, it := range items {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"global", "vc-only"}, names)

	all, err := s.ListScheduleItems(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// ─── Idempotency ─────────────────────────────────────────────

func TestIdempotencyReservation(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	rec := &models.IdempotencyRecord{
		Endpoint: "/sod", Key: "k1", BodyHash: "h1",
		CreatedAt: base, ExpiresAt: base.Add(time.Hour),
	}
	ok, err := s.ReserveIdempotency(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveIdempotency(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation loses")

	ok, err = s.TakeOverIdempotency(ctx, rec, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live record cannot be taken over")

	require.NoError(t, s.CompleteIdempotency(ctx, "/sod", "k1", "h1", base, 200, []byte(`{"ok":true}`)))
	got, err := s.GetIdempotency(ctx, "/sod", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyComplete, got.State)
	assert.Equal(t, 200, got.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, string(got.ResponseBody))

	fresh := &models.IdempotencyRecord{
		Endpoint: "/sod", Key: "k1", BodyHash: "h2",
		CreatedAt: base.Add(2 * time.Hour), ExpiresAt: base.Add(3 * time.Hour),
	}
	ok, err = s.TakeOverIdempotency(ctx, fresh, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.GetIdempotency(ctx, "/sod", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyPending, got.State)
	assert.Equal(t, "h2", got.BodyHash)
	assert.Empty(t, got.ResponseBody)

	n, err := s.PurgeExpiredIdempotency(ctx, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIdempotencyLeaseTakeOver(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	owner := &models.IdempotencyRecord{
		Endpoint: "/eod", Key: "k", BodyHash: "h",
		CreatedAt: base, ExpiresAt: base.Add(time.Hour), LeaseUntil: base.Add(30 * time.Second),
	}
	ok, err := s.ReserveIdempotency(ctx, owner)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetIdempotency(ctx, "/eod", "k")
	require.NoError(t, err)
	assert.True(t, got.LeaseUntil.Equal(owner.LeaseUntil))
	assert.False(t, got.Abandoned(base.Add(10*time.Second)))
	assert.True(t, got.Abandoned(base.Add(time.Minute)))

	retry := &models.IdempotencyRecord{
		Endpoint: "/eod", Key: "k", BodyHash: "h",
		CreatedAt: base.Add(time.Minute), ExpiresAt: base.Add(time.Hour + time.Minute),
		LeaseUntil: base.Add(time.Minute + 30*time.Second),
	}
	ok, err = s.TakeOverIdempotency(ctx, retry, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "lease still held")

	ok, err = s.TakeOverIdempotency(ctx, retry, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "lapsed lease is taken over")

	// The displaced owner can no longer resolve the record.
	require.NoError(t, s.CompleteIdempotency(ctx, "/eod", "k", "h", base, 201, []byte(`{"owner":1}`)))
	got, err = s.GetIdempotency(ctx, "/eod", "k")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyPending, got.State)

	require.NoError(t, s.CompleteIdempotency(ctx, "/eod", "k", "h", retry.CreatedAt, 201, []byte(`{"owner":2}`)))
	got, err = s.GetIdempotency(ctx, "/eod", "k")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyComplete, got.State)
	assert.Equal(t, `{"owner":2}`, string(got.ResponseBody))
	assert.True(t, got.LeaseUntil.IsZero())

	ok, err = s.TakeOverIdempotency(ctx, retry, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "completed records are only replaced after expiry")
}

// ─── Machines ────────────────────────────────────────────────

func TestMachinesIdentityIsUnique(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	m := &models.Machine{ID: "mach_1", Hostname: "mini", Address: "10.0.0.2", User: "smdurgan", OS: "darwin",
		Arch: "arm64", Role: "dev", Status: models.MachineActive, RegisteredAt: base, LastSeenAt: base}
	require.NoError(t, s.InsertMachine(ctx, m))

	dup := *m
	dup.ID = "mach_2"
	assert.Error(t, s.InsertMachine(ctx, &dup))

	found, err := s.FindMachine(ctx, "mini", "smdurgan")
	require.NoError(t, err)
	assert.Equal(t, "mach_1", found.ID)

	ok, err := s.TouchMachine(ctx, "mach_404", base)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListMachines(ctx, models.MachineFilter{Role: "server"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// ─── Docs ────────────────────────────────────────────────────

func TestDocsLatestVersion(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	for v := 1; v <= 2; v++ {
		require.NoError(t, s.InsertDoc(ctx, &models.Doc{
			Scope: "global", Name: "agents.md", Version: v, Content: fmt.Sprintf("v%d", v),
			ContentHash: fmt.Sprintf("h%d", v), ContentSize: 2, CreatedAt: base,
		}))
	}
	assert.Error(t, s.InsertDoc(ctx, &models.Doc{Scope: "global", Name: "agents.md", Version: 2,
		Content: "x", ContentHash: "x", CreatedAt: base}))

	latest, err := s.GetDoc(ctx, "global", "agents.md", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	first, err := s.GetDoc(ctx, "global", "agents.md", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Content)

	list, err := s.ListLatestDocs(ctx, "global")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)
	assert.Empty(t, list[0].Content)

	_, err = s.GetDoc(ctx, "global", "missing.md", 0)
	assert.True(t, store.IsNotFound(err))
}
