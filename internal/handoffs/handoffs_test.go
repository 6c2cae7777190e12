package handoffs_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/handoffs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/internal/store/storetest"
	"github.com/venturecrane/crane-relay/pkg/models"
)

type openCatalog struct{}

func (openCatalog) CheckVenture(code string) error {
	if code == "" {
		return errs.Field("venture", "required")
	}
	return nil
}

type fixture struct {
	ledger *handoffs.Ledger
	store  *store.Store
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storetest.New(t), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.ledger = handoffs.NewLedger(f.store, openCatalog{})
	f.ledger.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) session(t *testing.T, id, repo string) {
	t.Helper()
	require.NoError(t, f.store.InsertSession(context.Background(), &models.Session{
		ID: id, Venture: "vc", Repo: repo, Agent: "agent-a", Status: models.SessionActive,
		CreatedAt: f.now, LastHeartbeatAt: f.now,
	}))
}

func TestEndOfDayEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session(t, "sess_1", "crane-console")

	h, s, err := f.ledger.EndOfDay(ctx, handoffs.CreateRequest{
		SessionID: "sess_1",
		Summary:   "Shipped the relay",
		Status:    models.HandoffDone,
		Payload:   []byte(`{"b":[1,2],"a":"x"}`),
	})
	require.NoError(t, err)
	assert.True(t, ids.HasPrefix(h.ID, ids.PrefixHandoff))
	assert.Equal(t, "agent-a", h.FromAgent)
	assert.Equal(t, `{"a":"x","b":[1,2]}`, string(h.Payload))
	assert.Equal(t, ids.Hash([]byte(`{"a":"x","b":[1,2]}`)), h.PayloadHash)
	assert.Equal(t, models.SessionEnded, s.Status)

	stored, err := f.store.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, models.EndCompleted, *stored.EndReason)

	_, _, err = f.ledger.EndOfDay(ctx, handoffs.CreateRequest{SessionID: "sess_1", Summary: "again", Status: models.HandoffDone})
	require.Error(t, err)
	assert.Equal(t, errs.CodeSessionEnded, errs.From(err).Code)
}

func TestCreateKeepsSessionActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session(t, "sess_1", "crane-console")

	_, err := f.ledger.Create(ctx, handoffs.CreateRequest{SessionID: "sess_1", Summary: "pausing", Status: models.HandoffBlocked})
	require.NoError(t, err)

	s, err := f.store.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.True(t, s.Active())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session(t, "sess_1", "crane-console")

	_, err := f.ledger.Create(ctx, handoffs.CreateRequest{Status: "shipped"})
	e := errs.From(err)
	assert.Equal(t, errs.KindValidation, e.Kind)
	assert.Contains(t, e.Details, "session_id")
	assert.Contains(t, e.Details, "summary")
	assert.Contains(t, e.Details, "status")

	_, err = f.ledger.Create(ctx, handoffs.CreateRequest{SessionID: "sess_1", Summary: strings.Repeat("é", 10001), Status: models.HandoffDone})
	assert.True(t, errs.Is(err, errs.KindValidation))

	big := `{"blob":"` + strings.Repeat("x", handoffs.MaxPayloadBytes) + `"}`
	_, err = f.ledger.Create(ctx, handoffs.CreateRequest{SessionID: "sess_1", Summary: "s", Status: models.HandoffDone, Payload: []byte(big)})
	assert.True(t, errs.Is(err, errs.KindPayloadTooLarge))

	_, err = f.ledger.Create(ctx, handoffs.CreateRequest{SessionID: "sess_404", Summary: "s", Status: models.HandoffDone})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestLatestAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session(t, "sess_1", "crane-console")

	_, err := f.ledger.Latest(ctx, "vc", "crane-console")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	none, err := f.ledger.LatestOrNil(ctx, "vc", "crane-console")
	require.NoError(t, err)
	assert.Nil(t, none)

	var created []string
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Second)
		h, err := f.ledger.Create(ctx, handoffs.CreateRequest{SessionID: "sess_1", Summary: "step", Status: models.HandoffInProgress})
		require.NoError(t, err)
		created = append(created, h.ID)
	}

	latest, err := f.ledger.Latest(ctx, "vc", "crane-console")
	require.NoError(t, err)
	assert.Equal(t, created[4], latest.ID)

	page1, err := f.ledger.List(ctx, handoffs.Query{Venture: "vc", Repo: "crane-console", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	require.NotEmpty(t, page1.NextCursor)

	f.now = f.now.Add(time.Minute)
	_, err = f.ledger.Create(ctx, handoffs.CreateRequest{SessionID: "sess_1", Summary: "late", Status: models.HandoffInProgress})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, h := range page1.Items {
		seen[h.ID] = true
	}
	cursor := page1.NextCursor
	for cursor != "" {
		page, err := f.ledger.List(ctx, handoffs.Query{Venture: "vc", Repo: "crane-console", Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, h := range page.Items {
			assert.False(t, seen[h.ID], "row %s returned twice", h.ID)
			seen[h.ID] = true
		}
		cursor = page.NextCursor
	}
	for _, id := range created {
		assert.True(t, seen[id], "row %s skipped", id)
	}

	_, err = f.ledger.List(ctx, handoffs.Query{Venture: "vc", Repo: "crane-console", Cursor: "garbage!"})
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = f.ledger.List(ctx, handoffs.Query{Venture: "vc", Repo: "crane-console", Limit: 101})
	assert.True(t, errs.Is(err, errs.KindValidation))
}
