package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/schedule"
	"github.com/venturecrane/crane-relay/internal/store/storetest"
	"github.com/venturecrane/crane-relay/pkg/models"
)

var now = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) *time.Time {
	t := now.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func TestStatusExamples(t *testing.T) {
	cases := []struct {
		last *time.Time
		want models.ScheduleStatus
	}{
		{nil, models.ScheduleNeverRun},
		{daysAgo(3), models.ScheduleCurrent},
		{daysAgo(7), models.ScheduleDue},
		{daysAgo(10), models.ScheduleDue},
		{daysAgo(14), models.ScheduleDue},
		{daysAgo(15), models.ScheduleOverdue},
		{daysAgo(20), models.ScheduleOverdue},
	}
	for _, tc := range cases {
		got, days := schedule.Status(now, tc.last, 7)
		assert.Equal(t, tc.want, got)
		if tc.last == nil {
			assert.Nil(t, days)
		} else {
			require.NotNil(t, days)
		}
	}
}

func TestStatusProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("status follows the cadence thresholds", prop.ForAll(
		func(hoursAgo, cadence int) bool {
			last := now.Add(-time.Duration(hoursAgo) * time.Hour)
			status, days := schedule.Status(now, &last, cadence)
			d := hoursAgo / 24
			if days == nil || *days != d {
				return false
			}
			switch {
			case d > 2*cadence:
				return status == models.ScheduleOverdue
			case d >= cadence:
				return status == models.ScheduleDue
			default:
				return status == models.ScheduleCurrent
			}
		},
		gen.IntRange(0, 24*400),
		gen.IntRange(1, 90),
	))
	properties.TestingRun(t)
}

func TestAnnotateOrdersByUrgency(t *testing.T) {
	items := []models.ScheduleItem{
		{Name: "current", CadenceDays: 7, Priority: 1, LastCompletedAt: daysAgo(1)},
		{Name: "never", CadenceDays: 7, Priority: 1},
		{Name: "due-low", CadenceDays: 7, Priority: 3, LastCompletedAt: daysAgo(8)},
		{Name: "due-high", CadenceDays: 7, Priority: 1, LastCompletedAt: daysAgo(8)},
		{Name: "overdue", CadenceDays: 7, Priority: 9, LastCompletedAt: daysAgo(30)},
	}
	b := schedule.Annotate(now, items)

	var order []string
	for _, it := range b.Items {
		order = append(order, it.Name)
	}
	assert.Equal(t, []string{"overdue", "due-high", "due-low", "never", "current"}, order)
	assert.Equal(t, 1, b.OverdueCount)
	assert.Equal(t, 2, b.DueCount)
	assert.Equal(t, 1, b.NeverRunCount)
}

type catalog map[string]bool

func (c catalog) CheckVenture(code string) error {
	if !c[code] {
		return errs.Field("venture", "unknown venture "+code)
	}
	return nil
}

func newEngine(t *testing.T) *schedule.Engine {
	t.Helper()
	e := schedule.NewEngine(storetest.New(t), catalog{"vc": true})
	e.SetClock(func() time.Time { return now })
	return e
}

func TestSeedBriefingComplete(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	vc := "vc"

	require.NoError(t, e.Seed(ctx, []models.ScheduleItem{
		{Name: "backup-check", Title: "Verify backups", CadenceDays: 7, Priority: 1},
		{Name: "vc-review", Title: "VC review", CadenceDays: 30, Priority: 2, Scope: &vc},
	}))

	b, err := e.Briefing(ctx, "vc")
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
	assert.Equal(t, 2, b.NeverRunCount)

	_, err = e.Briefing(ctx, "nope")
	assert.True(t, errs.Is(err, errs.KindValidation))

	it, err := e.Complete(ctx, schedule.CompleteRequest{Name: "backup-check", Result: models.ResultFailure, CompletedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleCurrent, it.Status, "a failure still resets the cadence clock")
	require.NotNil(t, it.LastResult)
	assert.Equal(t, models.ResultFailure, *it.LastResult)
	assert.Equal(t, "ops", it.LastCompletedBy)

	_, err = e.Complete(ctx, schedule.CompleteRequest{Name: "backup-check", Result: "great"})
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = e.Complete(ctx, schedule.CompleteRequest{Name: "missing", Result: models.ResultSuccess})
	assert.True(t, errs.Is(err, errs.KindNotFound))

	require.NoError(t, e.Seed(ctx, []models.ScheduleItem{
		{Name: "backup-check", Title: "Verify backups", CadenceDays: 14, Priority: 1},
	}))
	b, err = e.Briefing(ctx, "")
	require.NoError(t, err)
	for _, it := range b.Items {
		if it.Name == "backup-check" {
			assert.Equal(t, 14, it.CadenceDays)
			assert.NotNil(t, it.LastCompletedAt, "reseeding keeps completion history")
		}
	}

	err = e.Seed(ctx, []models.ScheduleItem{{Name: "bad", Title: "Bad", CadenceDays: 0}})
	assert.True(t, errs.Is(err, errs.KindValidation))
}
