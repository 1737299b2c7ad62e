package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfidence_Baseline(t *testing.T) {
	e := newTestEnv(t)
	inc := newIncident(models.TypeTheft, models.SeverityLow, base)
	inc.Channel = models.ChannelUSSD
	inc.Reporter.Anonymous = true

	res, err := e.confidence.CalculateConfidenceScore(context.Background(), inc)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceBreakdown{
		SourceReliability: 70,
		Temporal:          70,
		Spatial:           30,
		Content:           50,
		Deduplication:     50,
	}, res.Breakdown)
	assert.Equal(t, 55, res.Score)
	assert.Contains(t, res.Factors, "channel:ussd")
	assert.Contains(t, res.Factors, "time:daytime")
}

func TestConfidence_StrongReport(t *testing.T) {
	e := newTestEnv(t)
	inc := gps(newIncident(models.TypeFire, models.SeverityHigh, base.Add(12*time.Hour)), 12, 8.5)
	inc.Channel = models.ChannelMobile
	inc.Reporter = models.Reporter{Phone: "+2348012345678", CallbackConsent: true}
	inc.Location.AccuracyM = models.FloatPtr(30)
	inc.Description.Text = "Roof of the grain store is burning, spreading east"
	inc.Confidence.DeduplicationScore = models.IntPtr(85)

	res, err := e.confidence.CalculateConfidenceScore(context.Background(), inc)
	require.NoError(t, err)
	assert.Equal(t, 90, res.Breakdown.SourceReliability)
	assert.Equal(t, 85, res.Breakdown.Temporal)
	assert.Equal(t, 95, res.Breakdown.Spatial)
	assert.Equal(t, 85, res.Breakdown.Content)
	assert.Equal(t, 90, res.Breakdown.Deduplication)
	assert.Equal(t, 89, res.Score)
}

func TestConfidence_ReporterHistory(t *testing.T) {
	e := newTestEnv(t)
	phone := "+2348012345678"
	for i := 0; i < 6; i++ {
		prior := newIncident(models.TypeTheft, models.SeverityLow, base.Add(-time.Duration(i+1)*24*time.Hour))
		prior.Reporter.Phone = phone
		e.create(t, prior)
	}
	// Outside the 30 day window
	old := newIncident(models.TypeTheft, models.SeverityLow, base.Add(-40*24*time.Hour))
	old.Reporter.Phone = phone
	e.create(t, old)

	inc := newIncident(models.TypeTheft, models.SeverityLow, base)
	inc.Channel = models.ChannelWeb
	inc.Reporter.Phone = phone
	res, err := e.confidence.CalculateConfidenceScore(context.Background(), inc)
	require.NoError(t, err)
	// 60 base plus the capped 20 for history
	assert.Equal(t, 80, res.Breakdown.SourceReliability)
	assert.Contains(t, res.Factors, "prior_reports:6")

	inc.Reporter.Anonymous = true
	res, err = e.confidence.CalculateConfidenceScore(context.Background(), inc)
	require.NoError(t, err)
	assert.Equal(t, 60, res.Breakdown.SourceReliability)
}

func TestConfidence_Bands(t *testing.T) {
	for hour, want := range map[int]int{0: 85, 5: 85, 6: 75, 8: 75, 9: 70, 16: 70, 17: 75, 19: 75, 20: 85, 23: 85} {
		got, _ := temporalBand(time.Date(2026, 3, 2, hour, 30, 0, 0, time.UTC))
		assert.Equal(t, want, got, "hour %d", hour)
	}

	loc := func(acc *float64, withGPS bool, tower, village string) models.Location {
		l := models.Location{AccuracyM: acc, CellTowerID: tower, Village: village}
		if withGPS {
			l.Latitude, l.Longitude = models.FloatPtr(12), models.FloatPtr(8.5)
		}
		return l
	}
	spatial := []struct {
		l    models.Location
		want int
	}{
		{loc(models.FloatPtr(50), true, "", ""), 95},
		{loc(models.FloatPtr(150), true, "", ""), 85},
		{loc(models.FloatPtr(900), true, "", ""), 75},
		{loc(nil, true, "", ""), 75},
		{loc(nil, false, "621-30-1234", "Kura"), 60},
		{loc(nil, false, "", "Kura"), 50},
		{loc(nil, false, "", ""), 30},
	}
	for i, tt := range spatial {
		got, _ := spatialPrecision(tt.l)
		assert.Equal(t, tt.want, got, "case %d", i)
	}

	for text, want := range map[string]int{
		"":                        50,
		"   ":                     50,
		"fire":                    60,
		strings.Repeat("a", 20):   85,
		strings.Repeat("a", 200):  85,
		strings.Repeat("a", 201):  70,
		strings.Repeat("ɗ", 19):   60,
	} {
		got, _ := contentQuality(text)
		assert.Equal(t, want, got, "%d runes", len([]rune(text)))
	}

	assert.Equal(t, 50, dedupCorroboration(nil))
	assert.Equal(t, 90, dedupCorroboration(models.IntPtr(80)))
	assert.Equal(t, 75, dedupCorroboration(models.IntPtr(60)))
	assert.Equal(t, 60, dedupCorroboration(models.IntPtr(40)))
	assert.Equal(t, 50, dedupCorroboration(models.IntPtr(39)))
}

func TestConfidence_ScoreAlwaysInRange(t *testing.T) {
	e := newTestEnv(t)
	for _, ch := range []models.Channel{models.ChannelUSSD, models.ChannelWeb, models.ChannelMobile, models.ChannelAPI} {
		for _, dup := range []*int{nil, models.IntPtr(0), models.IntPtr(100)} {
			inc := newIncident(models.TypeOther, models.SeverityLow, base)
			inc.Channel = ch
			inc.Reporter.CallbackConsent = true
			inc.Confidence.DeduplicationScore = dup
			res, err := e.confidence.CalculateConfidenceScore(context.Background(), inc)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.Score, 0)
			assert.LessOrEqual(t, res.Score, 100)
		}
	}
}

func TestConfidence_BatchUpdateScores(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	fresh := e.create(t, newIncident(models.TypeTheft, models.SeverityLow, base.Add(-time.Hour)))
	stale := e.create(t, newIncident(models.TypeTheft, models.SeverityLow, base.Add(-48*time.Hour)))
	closed := newIncident(models.TypeTheft, models.SeverityLow, base.Add(-time.Hour))
	closed.Status = models.StatusClosed
	e.create(t, closed)

	n, err := e.confidence.BatchUpdateScores(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, e.get(t, fresh.ID).Confidence.Score)
	assert.Nil(t, e.get(t, stale.ID).Confidence.Score)
	assert.Nil(t, e.get(t, closed.ID).Confidence.Score)

	// Nothing changed, nothing written
	n, err = e.confidence.BatchUpdateScores(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// brokenActivityStore fails every activity write
type brokenActivityStore struct{ store.Store }

func (s brokenActivityStore) Activity() store.ActivityRepository {
	return brokenActivity{s.Store.Activity()}
}

func (s brokenActivityStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		return fn(ctx, brokenActivityStore{tx})
	})
}

type brokenActivity struct{ store.ActivityRepository }

func (brokenActivity) Log(context.Context, models.ActivityLog) error {
	return errors.New("activity table unavailable")
}

func TestConfidence_BatchUpdateLogsActivityFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	inc := e.create(t, newIncident(models.TypeTheft, models.SeverityLow, base.Add(-time.Hour)))

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()
	st := brokenActivityStore{e.store}
	svc := NewConfidenceService(st, NewActivityLogService(st, e.clock, logger), e.clock, e.cfg.Location, logger)

	n, err := svc.BatchUpdateScores(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, e.get(t, inc.ID).Confidence.Score, "score write rolls back with the activity entry")

	warned := logs.FilterMessage("Rescore failed").All()
	require.Len(t, warned, 1)
	assert.Contains(t, warned[0].ContextMap()["error"], "activity table unavailable")
}
