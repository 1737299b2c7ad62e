package services

import (
	"context"
	"fmt"

	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActivityLogService records the trail of actions taken on incidents
type ActivityLogService struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// NewActivityLogService creates a new activity log service
func NewActivityLogService(st store.Store, clk clock.Clock, logger *zap.SugaredLogger) *ActivityLogService {
	return &ActivityLogService{store: st, clock: clk, logger: logger}
}

// Log records an action against an incident
func (s *ActivityLogService) Log(ctx context.Context, incidentID uuid.UUID, activityType, actor, description string) error {
	return s.LogIn(ctx, s.store, incidentID, activityType, actor, description)
}

// LogIn records an action through st, which may be a transactional view
func (s *ActivityLogService) LogIn(ctx context.Context, st store.Store, incidentID uuid.UUID, activityType, actor, description string) error {
	entry := models.ActivityLog{
		ID:           uuid.New(),
		IncidentID:   incidentID,
		ActivityType: activityType,
		Description:  description,
		Actor:        actor,
		CreatedAt:    s.clock.Now(),
	}
	if err := st.Activity().Log(ctx, entry); err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}

	s.logger.Infow("Activity logged",
		"incident_id", incidentID,
		"type", activityType,
		"actor", actor,
	)
	return nil
}

// FetchByIncident returns the most recent activity for an incident
func (s *ActivityLogService) FetchByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]models.ActivityLog, error) {
	return s.store.Activity().ByIncident(ctx, incidentID, limit)
}

// FetchRecent returns recent activity across all incidents
func (s *ActivityLogService) FetchRecent(ctx context.Context, limit int) ([]models.ActivityLog, error) {
	return s.store.Activity().Recent(ctx, limit)
}
