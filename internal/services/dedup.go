package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Duplicate is a recent incident that likely describes the same event
type Duplicate struct {
	IncidentID uuid.UUID         `json:"incident_id"`
	Similarity int               `json:"similarity"`
	Factors    SimilarityFactors `json:"factors"`
}

// ClusterMember is one incident inside a cluster
type ClusterMember struct {
	IncidentID uuid.UUID `json:"incident_id"`
	Similarity int       `json:"similarity"`
}

// Cluster groups incidents that are similar to a seed incident
type Cluster struct {
	SeedID  uuid.UUID       `json:"seed_id"`
	Type    string          `json:"incident_type"`
	Members []ClusterMember `json:"members"`
}

// excludedFromDedup are statuses whose incidents are never candidates
var excludedFromDedup = []models.Status{
	models.StatusResolved, models.StatusClosed, models.StatusExpired, models.StatusMerged,
}

// DedupService finds and merges duplicate reports
type DedupService struct {
	store    store.Store
	activity *ActivityLogService
	clock    clock.Clock
	cfg      config.DedupConfig
	logger   *zap.SugaredLogger
}

// NewDedupService creates a new deduplication service
func NewDedupService(st store.Store, activity *ActivityLogService, clk clock.Clock, cfg config.DedupConfig, logger *zap.SugaredLogger) *DedupService {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &DedupService{store: st, activity: activity, clock: clk, cfg: cfg, logger: logger}
}

// FindDuplicates returns up to MaxResults recent incidents of the same type
// scoring at or above the threshold, most similar first
func (s *DedupService) FindDuplicates(ctx context.Context, inc models.Incident) ([]Duplicate, error) {
	return s.FindDuplicatesIn(ctx, s.store, inc)
}

// FindDuplicatesIn is FindDuplicates reading through st
func (s *DedupService) FindDuplicatesIn(ctx context.Context, st store.Store, inc models.Incident) ([]Duplicate, error) {
	candidates, err := st.Incidents().Query(ctx, models.IncidentFilter{
		Types:         []models.IncidentType{inc.Type},
		ExcludeStatus: excludedFromDedup,
		ExcludeID:     inc.ID,
		Since:         s.clock.Now().Add(-s.cfg.Window),
		Limit:         s.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("query dedup candidates: %w", err)
	}

	var dups []Duplicate
	for _, c := range candidates {
		score, factors := Similarity(inc, c)
		if score < s.cfg.Threshold {
			continue
		}
		dups = append(dups, Duplicate{IncidentID: c.ID, Similarity: score, Factors: factors})
	}

	// candidates arrive newest first; a stable sort keeps that as the tie-break
	sort.SliceStable(dups, func(i, j int) bool { return dups[i].Similarity > dups[j].Similarity })
	if len(dups) > s.cfg.MaxResults {
		dups = dups[:s.cfg.MaxResults]
	}
	return dups, nil
}

// MergeIncidents folds secondaries into primary. Descriptive fields missing
// on the primary are copied from secondaries in the given order; secondaries
// are marked merged. The primary is otherwise left untouched.
func (s *DedupService) MergeIncidents(ctx context.Context, primaryID uuid.UUID, secondaryIDs []uuid.UUID, actor string) (models.Incident, error) {
	const op = "dedup.merge"
	if len(secondaryIDs) == 0 {
		return models.Incident{}, apperr.Validation(op, "at least one secondary incident is required")
	}

	var merged models.Incident
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		primary, err := tx.Incidents().GetForUpdate(ctx, primaryID)
		if err != nil {
			return err
		}
		if primary.Status == models.StatusMerged {
			return apperr.BusinessRule(op, "primary %s is itself merged", primaryID)
		}

		now := s.clock.Now()
		seen := map[uuid.UUID]bool{}
		for _, id := range secondaryIDs {
			if id == primaryID {
				return apperr.Validation(op, "primary cannot be merged into itself")
			}
			if seen[id] {
				continue
			}
			seen[id] = true

			secondary, err := tx.Incidents().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !secondary.Status.CanTransition(models.StatusMerged) {
				return apperr.BusinessRule(op, "incident %s cannot be merged from status %s", id, secondary.Status)
			}
			primary = fillMissing(primary, secondary)

			secondary.Status = models.StatusMerged
			secondary.MergedInto = &primaryID
			secondary.UpdatedAt = now
			if err := tx.Incidents().Update(ctx, secondary); err != nil {
				return err
			}
			if err := s.activity.LogIn(ctx, tx, id, models.ActivityMerge, actor, "merged into "+primaryID.String()); err != nil {
				return err
			}
		}

		primary.UpdatedAt = now
		if err := tx.Incidents().Update(ctx, primary); err != nil {
			return err
		}
		merged = primary
		return s.activity.LogIn(ctx, tx, primaryID, models.ActivityMerge, actor,
			fmt.Sprintf("absorbed %d incident(s)", len(seen)))
	})
	if err != nil {
		return models.Incident{}, err
	}

	s.logger.Infow("Incidents merged", "primary", primaryID, "secondaries", len(secondaryIDs))
	return merged, nil
}

// fillMissing copies descriptive fields that primary lacks from secondary
func fillMissing(primary, secondary models.Incident) models.Incident {
	out := primary.Clone()
	src := secondary.Clone()

	if out.Description.Text == "" {
		out.Description.Text = src.Description.Text
		out.Description.Language = src.Description.Language
	}
	if len(out.Description.PhotoRefs) == 0 {
		out.Description.PhotoRefs = src.Description.PhotoRefs
	}
	if len(out.Description.AudioRefs) == 0 {
		out.Description.AudioRefs = src.Description.AudioRefs
	}
	if !out.Location.HasGPS() && src.Location.HasGPS() {
		out.Location.Latitude = src.Location.Latitude
		out.Location.Longitude = src.Location.Longitude
		out.Location.AccuracyM = src.Location.AccuracyM
		if out.Location.Geohash == "" {
			out.Location.Geohash = src.Location.Geohash
		}
	}
	if out.Location.CellTowerID == "" {
		out.Location.CellTowerID = src.Location.CellTowerID
	}
	if out.Location.Village == "" {
		out.Location.Village = src.Location.Village
	}
	if out.Location.LGA == "" {
		out.Location.LGA = src.Location.LGA
	}
	if out.Location.State == "" {
		out.Location.State = src.Location.State
	}
	return out
}

// ClusterIncidents groups unsettled incidents from the trailing window with
// a single greedy pass, oldest first. Each incident joins at most one
// cluster; only clusters with two or more members are returned.
func (s *DedupService) ClusterIncidents(ctx context.Context, window time.Duration) ([]Cluster, error) {
	incidents, err := s.store.Incidents().Query(ctx, models.IncidentFilter{
		ExcludeStatus: excludedFromDedup,
		Since:         s.clock.Now().Add(-window),
	})
	if err != nil {
		return nil, fmt.Errorf("query cluster window: %w", err)
	}
	sort.SliceStable(incidents, func(i, j int) bool { return incidents[i].CreatedAt.Before(incidents[j].CreatedAt) })

	visited := make(map[uuid.UUID]bool, len(incidents))
	var clusters []Cluster
	for i, seed := range incidents {
		if visited[seed.ID] {
			continue
		}
		visited[seed.ID] = true
		cluster := Cluster{
			SeedID:  seed.ID,
			Type:    string(seed.Type),
			Members: []ClusterMember{{IncidentID: seed.ID, Similarity: 100}},
		}
		for _, other := range incidents[i+1:] {
			if visited[other.ID] {
				continue
			}
			score, _ := Similarity(seed, other)
			if score >= s.cfg.Threshold {
				visited[other.ID] = true
				cluster.Members = append(cluster.Members, ClusterMember{IncidentID: other.ID, Similarity: score})
			}
		}
		if len(cluster.Members) > 1 {
			clusters = append(clusters, cluster)
		}
	}
	return clusters, nil
}
