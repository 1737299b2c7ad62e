package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Trend is the number of incidents reported in one hour
type Trend struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// TypeCount is the number of incidents of one type
type TypeCount struct {
	Type  models.IncidentType `json:"incident_type"`
	Count int                 `json:"count"`
}

// StatusUpdate moves an incident through its lifecycle
type StatusUpdate struct {
	Status     models.Status `json:"status"`
	Responder  string        `json:"responder,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
	Actor      string        `json:"-"`
}

// IncidentService handles incident lookup and lifecycle updates
type IncidentService struct {
	store    store.Store
	activity *ActivityLogService
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

// NewIncidentService creates a new incident service
func NewIncidentService(st store.Store, activity *ActivityLogService, clk clock.Clock, logger *zap.SugaredLogger) *IncidentService {
	return &IncidentService{store: st, activity: activity, clock: clk, logger: logger}
}

// Get returns an incident by id
func (s *IncidentService) Get(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	return s.store.Incidents().Get(ctx, id)
}

// List returns incidents matching f, newest first
func (s *IncidentService) List(ctx context.Context, f models.IncidentFilter) ([]models.Incident, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.Incidents().Query(ctx, f)
}

// UpdateStatus applies a status transition and stamps the response fields
// that go with it
func (s *IncidentService) UpdateStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) (models.Incident, error) {
	const op = "update_status"
	if !u.Status.Valid() {
		return models.Incident{}, apperr.Validation(op, "unknown status %q", u.Status)
	}
	if u.Status == models.StatusMerged {
		return models.Incident{}, apperr.Validation(op, "use the merge operation to merge incidents")
	}

	var out models.Incident
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		inc, err := tx.Incidents().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !inc.Status.CanTransition(u.Status) {
			return apperr.BusinessRule(op, "cannot move incident from %s to %s", inc.Status, u.Status)
		}

		now := s.clock.Now()
		next := inc.Clone()
		next.Status = u.Status
		next.UpdatedAt = now

		switch u.Status {
		case models.StatusAssigned:
			if u.Responder != "" {
				next.Response.FirstResponder = u.Responder
			}
		case models.StatusInProgress:
			if next.Response.ArrivedAt == nil {
				next.Response.ArrivedAt = &now
				next.Response.ResponseTimeMin = models.IntPtr(int(now.Sub(inc.CreatedAt).Minutes()))
			}
			if next.Response.FirstResponder == "" {
				next.Response.FirstResponder = u.Responder
			}
		case models.StatusResolved:
			next.Response.Resolution = strings.TrimSpace(u.Resolution)
			next.Response.ResolvedAt = &now
		}

		if err := tx.Incidents().Update(ctx, next); err != nil {
			return fmt.Errorf("update incident status: %w", err)
		}
		desc := fmt.Sprintf("%s -> %s", inc.Status, u.Status)
		if err := s.activity.LogIn(ctx, tx, id, models.ActivityStatus, u.Actor, desc); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return models.Incident{}, err
	}
	return out, nil
}

// ExpireStale marks incidents still in received older than maxAge as
// expired. Already expired incidents are not touched.
func (s *IncidentService) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	stale, err := s.store.Incidents().Query(ctx, models.IncidentFilter{
		Statuses: []models.Status{models.StatusReceived},
		Until:    cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("query stale incidents: %w", err)
	}

	expired := 0
	for _, inc := range stale {
		if _, err := s.UpdateStatus(ctx, inc.ID, StatusUpdate{Status: models.StatusExpired, Actor: "SYSTEM"}); err != nil {
			// Another writer may have moved it on since the query.
			if apperr.Is(err, apperr.KindBusinessRule) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Infow("Expired stale incidents", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

// Count returns the number of incidents matching f
func (s *IncidentService) Count(ctx context.Context, f models.IncidentFilter) (int, error) {
	f.Limit = 0
	incidents, err := s.store.Incidents().Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(incidents), nil
}

// GetTrends returns hourly report counts over the last hours, newest first
func (s *IncidentService) GetTrends(ctx context.Context, hours int) ([]Trend, error) {
	incidents, err := s.store.Incidents().Query(ctx, models.IncidentFilter{
		Since: s.clock.Now().Add(-time.Duration(hours) * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[time.Time]int)
	for _, inc := range incidents {
		counts[inc.CreatedAt.UTC().Truncate(time.Hour)]++
	}
	trends := make([]Trend, 0, len(counts))
	for h, c := range counts {
		trends = append(trends, Trend{Hour: h, Count: c})
	}
	sort.Slice(trends, func(i, j int) bool { return trends[i].Hour.After(trends[j].Hour) })
	return trends, nil
}

// GetTypeDistribution returns incident counts per type, largest first
func (s *IncidentService) GetTypeDistribution(ctx context.Context, since time.Time) ([]TypeCount, error) {
	incidents, err := s.store.Incidents().Query(ctx, models.IncidentFilter{Since: since})
	if err != nil {
		return nil, err
	}

	counts := make(map[models.IncidentType]int)
	for _, inc := range incidents {
		counts[inc.Type]++
	}
	out := make([]TypeCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, TypeCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
