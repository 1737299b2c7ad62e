package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sub-score weights; they sum to 1.
const (
	weightSource   = 0.25
	weightTemporal = 0.20
	weightSpatial  = 0.20
	weightContent  = 0.20
	weightDedup    = 0.15
)

const reporterHistoryWindow = 30 * 24 * time.Hour

var channelBaseScore = map[models.Channel]int{
	models.ChannelUSSD:   70,
	models.ChannelWeb:    60,
	models.ChannelMobile: 80,
	models.ChannelAPI:    65,
}

// ConfidenceBreakdown holds each sub-score
type ConfidenceBreakdown struct {
	SourceReliability int `json:"source_reliability"`
	Temporal          int `json:"temporal"`
	Spatial           int `json:"spatial"`
	Content           int `json:"content"`
	Deduplication     int `json:"deduplication"`
}

// ConfidenceResult is the composite reliability estimate of an incident
type ConfidenceResult struct {
	Score     int                 `json:"score"`
	Breakdown ConfidenceBreakdown `json:"breakdown"`
	Factors   []string            `json:"factors"`
}

// ConfidenceService scores report reliability
type ConfidenceService struct {
	store    store.Store
	activity *ActivityLogService
	clock    clock.Clock
	loc      *time.Location
	logger   *zap.SugaredLogger
}

// NewConfidenceService creates a new confidence scoring service. loc is the
// timezone used for time-of-day banding.
func NewConfidenceService(st store.Store, activity *ActivityLogService, clk clock.Clock, loc *time.Location, logger *zap.SugaredLogger) *ConfidenceService {
	if loc == nil {
		loc = time.UTC
	}
	return &ConfidenceService{store: st, activity: activity, clock: clk, loc: loc, logger: logger}
}

// CalculateConfidenceScore computes the composite score for inc
func (s *ConfidenceService) CalculateConfidenceScore(ctx context.Context, inc models.Incident) (ConfidenceResult, error) {
	return s.CalculateIn(ctx, s.store, inc)
}

// CalculateIn is CalculateConfidenceScore reading reporter history through st
func (s *ConfidenceService) CalculateIn(ctx context.Context, st store.Store, inc models.Incident) (ConfidenceResult, error) {
	prior, err := s.priorReports(ctx, st, inc)
	if err != nil {
		return ConfidenceResult{}, err
	}

	var factors []string
	b := ConfidenceBreakdown{}

	b.SourceReliability = channelBaseScore[inc.Channel]
	factors = append(factors, "channel:"+string(inc.Channel))
	if inc.Reporter.CallbackConsent {
		b.SourceReliability += 10
		factors = append(factors, "callback_consent")
	}
	if prior > 0 {
		b.SourceReliability += min(20, 5*prior)
		factors = append(factors, fmt.Sprintf("prior_reports:%d", prior))
	}
	b.SourceReliability = clamp(b.SourceReliability)

	var band string
	b.Temporal, band = temporalBand(inc.CreatedAt.In(s.loc))
	factors = append(factors, "time:"+band)

	var precision string
	b.Spatial, precision = spatialPrecision(inc.Location)
	factors = append(factors, "location:"+precision)

	var content string
	b.Content, content = contentQuality(inc.Description.Text)
	factors = append(factors, "description:"+content)

	b.Deduplication = dedupCorroboration(inc.Confidence.DeduplicationScore)
	if inc.Confidence.DeduplicationScore != nil {
		factors = append(factors, fmt.Sprintf("corroboration:%d", *inc.Confidence.DeduplicationScore))
	}

	total := weightSource*float64(b.SourceReliability) +
		weightTemporal*float64(b.Temporal) +
		weightSpatial*float64(b.Spatial) +
		weightContent*float64(b.Content) +
		weightDedup*float64(b.Deduplication)

	return ConfidenceResult{
		Score:     clamp(int(math.Round(total))),
		Breakdown: b,
		Factors:   factors,
	}, nil
}

// ApplyConfidence returns inc with the score fields set from r
func ApplyConfidence(inc models.Incident, r ConfidenceResult) models.Incident {
	out := inc.Clone()
	out.Confidence.Score = models.IntPtr(r.Score)
	out.Confidence.SourceReliability = models.IntPtr(r.Breakdown.SourceReliability)
	return out
}

// BatchUpdateScores recomputes scores for unsettled incidents created within
// window. Incidents whose score is unchanged are not written, so re-running
// is harmless.
func (s *ConfidenceService) BatchUpdateScores(ctx context.Context, window time.Duration) (int, error) {
	incidents, err := s.store.Incidents().Query(ctx, models.IncidentFilter{
		Since:         s.clock.Now().Add(-window),
		ExcludeStatus: []models.Status{models.StatusResolved, models.StatusClosed, models.StatusFalseAlarm, models.StatusExpired, models.StatusMerged},
	})
	if err != nil {
		return 0, fmt.Errorf("query rescore window: %w", err)
	}

	updated := 0
	for _, inc := range incidents {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		changed, err := s.rescore(ctx, inc.ID)
		if err != nil {
			s.logger.Warnw("Rescore failed", "incident_id", inc.ID, "error", err)
			continue
		}
		if changed {
			updated++
		}
	}

	s.logger.Infow("Confidence rescoring complete", "candidates", len(incidents), "updated", updated)
	return updated, nil
}

// rescore recomputes one incident under its row lock so a concurrent
// escalation or status change is not overwritten
func (s *ConfidenceService) rescore(ctx context.Context, id uuid.UUID) (bool, error) {
	changed := false
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		inc, err := tx.Incidents().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inc.Status.Settled() {
			return nil
		}
		res, err := s.CalculateIn(ctx, tx, inc)
		if err != nil {
			return err
		}
		if sameScore(inc, res) {
			return nil
		}
		next := ApplyConfidence(inc, res)
		next.UpdatedAt = s.clock.Now()
		if err := tx.Incidents().Update(ctx, next); err != nil {
			return fmt.Errorf("update rescored incident: %w", err)
		}
		if err := s.activity.LogIn(ctx, tx, id, models.ActivityRescore, "SYSTEM", fmt.Sprintf("confidence %d", res.Score)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func sameScore(inc models.Incident, r ConfidenceResult) bool {
	c := inc.Confidence
	return c.Score != nil && *c.Score == r.Score &&
		c.SourceReliability != nil && *c.SourceReliability == r.Breakdown.SourceReliability
}

func (s *ConfidenceService) priorReports(ctx context.Context, st store.Store, inc models.Incident) (int, error) {
	if inc.Reporter.Anonymous || inc.Reporter.Phone == "" {
		return 0, nil
	}
	prior, err := st.Incidents().Query(ctx, models.IncidentFilter{
		ReporterPhone: inc.Reporter.Phone,
		ExcludeID:     inc.ID,
		Since:         s.clock.Now().Add(-reporterHistoryWindow),
	})
	if err != nil {
		return 0, fmt.Errorf("query reporter history: %w", err)
	}
	return len(prior), nil
}

func temporalBand(t time.Time) (int, string) {
	h := t.Hour()
	switch {
	case h >= 20 || h < 6:
		return 85, "night"
	case h < 9, h >= 17:
		return 75, "peak"
	}
	return 70, "daytime"
}

func spatialPrecision(l models.Location) (int, string) {
	switch {
	case l.HasGPS() && l.AccuracyM != nil && *l.AccuracyM <= 50:
		return 95, "gps_fine"
	case l.HasGPS() && l.AccuracyM != nil && *l.AccuracyM <= 200:
		return 85, "gps"
	case l.HasGPS():
		return 75, "gps_coarse"
	case l.CellTowerID != "":
		return 60, "cell_tower"
	case l.Village != "" || l.LGA != "":
		return 50, "manual"
	}
	return 30, "none"
}

func contentQuality(text string) (int, string) {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case n == 0:
		return 50, "empty"
	case n < 20:
		return 60, "short"
	case n <= 200:
		return 85, "detailed"
	}
	return 70, "long"
}

func dedupCorroboration(score *int) int {
	if score == nil {
		return 50
	}
	switch {
	case *score >= 80:
		return 90
	case *score >= 60:
		return 75
	case *score >= 40:
		return 60
	}
	return 50
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
