package services

import (
	"context"
	"testing"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedup_FindDuplicates(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	near := e.create(t, gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-3*time.Minute)), 12.00072, 8.5))
	// Same village, no GPS, 20 minutes earlier
	village := e.create(t, place(newIncident(models.TypeFire, models.SeverityMedium, base.Add(-20*time.Minute)), "Kura", "Kura", "Kano"))
	e.create(t, gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-90*time.Minute)), 12.0, 8.5))
	e.create(t, gps(newIncident(models.TypeTheft, models.SeverityHigh, base.Add(-time.Minute)), 12.0, 8.5))
	far := e.create(t, gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-10*time.Minute)), 12.05, 8.5))

	inc := place(gps(newIncident(models.TypeFire, models.SeverityHigh, base), 12.0, 8.5), "Kura", "Kura", "Kano")
	e.create(t, inc)

	dups, err := e.dedup.FindDuplicates(ctx, inc)
	require.NoError(t, err)
	require.Len(t, dups, 2)
	assert.Equal(t, near.ID, dups[0].IncidentID)
	assert.Equal(t, 100, dups[0].Similarity)
	assert.Equal(t, village.ID, dups[1].IncidentID)
	assert.Equal(t, 75, dups[1].Similarity)

	for _, d := range dups {
		assert.NotEqual(t, inc.ID, d.IncidentID)
		assert.NotEqual(t, far.ID, d.IncidentID)
	}
}

func TestDedup_LimitsAndOrdering(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	for i := 0; i < 7; i++ {
		e.create(t, gps(newIncident(models.TypeGunshot, models.SeverityHigh, base.Add(-time.Duration(i*4)*time.Minute)), 12.0, 8.5))
	}
	inc := gps(newIncident(models.TypeGunshot, models.SeverityHigh, base), 12.0, 8.5)

	dups, err := e.dedup.FindDuplicates(ctx, inc)
	require.NoError(t, err)
	require.Len(t, dups, 5)
	for i := 1; i < len(dups); i++ {
		assert.GreaterOrEqual(t, dups[i-1].Similarity, dups[i].Similarity)
	}
}

func TestDedup_SkipsSettledIncidents(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	for _, st := range []models.Status{models.StatusResolved, models.StatusClosed, models.StatusExpired, models.StatusMerged} {
		c := gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-time.Minute)), 12.0, 8.5)
		c.Status = st
		e.create(t, c)
	}
	open := gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-time.Minute)), 12.0, 8.5)
	open.Status = models.StatusEscalated
	e.create(t, open)

	dups, err := e.dedup.FindDuplicates(ctx, gps(newIncident(models.TypeFire, models.SeverityHigh, base), 12.0, 8.5))
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, open.ID, dups[0].IncidentID)
}

func TestDedup_MergeIncidents(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	primary := place(newIncident(models.TypeFire, models.SeverityHigh, base), "", "Kura", "Kano")
	primary.Escalation.Level = 2
	e.create(t, primary)

	first := gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(time.Minute)), 12.0, 8.5)
	first.Description = models.Description{Text: "market fire", Language: "en", PhotoRefs: []string{"p1"}}
	first.Location.Village = "Kura"
	e.create(t, first)

	second := newIncident(models.TypeFire, models.SeverityHigh, base.Add(2*time.Minute))
	second.Description.Text = "smoke seen"
	second.Location.CellTowerID = "621-30-1234"
	e.create(t, second)

	merged, err := e.dedup.MergeIncidents(ctx, primary.ID, []uuid.UUID{first.ID, second.ID, first.ID}, "dispatcher")
	require.NoError(t, err)

	assert.Equal(t, "market fire", merged.Description.Text, "first secondary wins")
	assert.Equal(t, []string{"p1"}, merged.Description.PhotoRefs)
	assert.True(t, merged.Location.HasGPS())
	assert.Equal(t, "Kura", merged.Location.Village)
	assert.Equal(t, "621-30-1234", merged.Location.CellTowerID)
	assert.Equal(t, "Kura", merged.Location.LGA)
	assert.Equal(t, 2, merged.Escalation.Level)
	assert.Equal(t, models.StatusReceived, merged.Status)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		got := e.get(t, id)
		assert.Equal(t, models.StatusMerged, got.Status)
		require.NotNil(t, got.MergedInto)
		assert.Equal(t, primary.ID, *got.MergedInto)
	}

	logs, err := e.activity.FetchByIncident(ctx, primary.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActivityMerge, logs[0].ActivityType)
	assert.Equal(t, "dispatcher", logs[0].Actor)
}

func TestDedup_MergeRejections(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	primary := e.create(t, newIncident(models.TypeFire, models.SeverityHigh, base))
	resolved := newIncident(models.TypeFire, models.SeverityHigh, base)
	resolved.Status = models.StatusResolved
	e.create(t, resolved)
	other := e.create(t, newIncident(models.TypeFire, models.SeverityHigh, base))

	_, err := e.dedup.MergeIncidents(ctx, primary.ID, nil, "a")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = e.dedup.MergeIncidents(ctx, primary.ID, []uuid.UUID{primary.ID}, "a")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = e.dedup.MergeIncidents(ctx, primary.ID, []uuid.UUID{uuid.New()}, "a")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	// A failed merge leaves every incident untouched
	_, err = e.dedup.MergeIncidents(ctx, primary.ID, []uuid.UUID{other.ID, resolved.ID}, "a")
	assert.True(t, apperr.Is(err, apperr.KindBusinessRule))
	assert.Equal(t, models.StatusReceived, e.get(t, other.ID).Status)
	assert.Equal(t, models.StatusResolved, e.get(t, resolved.ID).Status)
}

func TestDedup_ClusterIncidents(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	seed := e.create(t, gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-30*time.Minute)), 12.0, 8.5))
	a := e.create(t, gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-28*time.Minute)), 12.0003, 8.5))
	b := e.create(t, gps(newIncident(models.TypeFire, models.SeverityCritical, base.Add(-25*time.Minute)), 12.0006, 8.5))
	e.create(t, gps(newIncident(models.TypeTheft, models.SeverityLow, base.Add(-20*time.Minute)), 12.3, 8.5))
	e.create(t, gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(-3*time.Hour)), 12.0, 8.5))

	clusters, err := e.dedup.ClusterIncidents(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, seed.ID, c.SeedID)
	assert.Equal(t, "fire", c.Type)
	require.Len(t, c.Members, 3)
	assert.Equal(t, seed.ID, c.Members[0].IncidentID)
	assert.Equal(t, 100, c.Members[0].Similarity)
	assert.Equal(t, a.ID, c.Members[1].IncidentID)
	assert.Equal(t, b.ID, c.Members[2].IncidentID)
}
