// Package store defines the record-store contracts the services depend on.
// Implementations live in internal/database (PostgreSQL) and in this
// package (in-memory, used by tests and local development).
package store

import (
	"context"
	"time"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/google/uuid"
)

// IncidentRepository persists incidents
type IncidentRepository interface {
	Create(ctx context.Context, inc models.Incident) error
	Get(ctx context.Context, id uuid.UUID) (models.Incident, error)
	// GetForUpdate reads the incident and holds a row lock on it until the
	// enclosing transaction ends. Use it for read-modify-write inside WithTx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (models.Incident, error)
	// Update replaces the stored incident. An update that would lower the
	// escalation level fails with a business rule error.
	Update(ctx context.Context, inc models.Incident) error
	// Query returns matches newest first, truncated to f.Limit when set.
	Query(ctx context.Context, f models.IncidentFilter) ([]models.Incident, error)
}

// SessionRepository persists USSD sessions
type SessionRepository interface {
	Get(ctx context.Context, sessionID string) (models.UssdSession, error)
	Save(ctx context.Context, s models.UssdSession) error
	// DeleteStale removes sessions that did not complete and were last
	// touched before cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
}

// RuleRepository persists escalation rules
type RuleRepository interface {
	// ListActive returns active rules by ascending priority, ties broken by
	// creation time then id.
	ListActive(ctx context.Context) ([]models.EscalationRule, error)
	List(ctx context.Context) ([]models.EscalationRule, error)
	Get(ctx context.Context, id uuid.UUID) (models.EscalationRule, error)
	Create(ctx context.Context, r models.EscalationRule) error
	Update(ctx context.Context, r models.EscalationRule) error
	RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ResponderRepository persists responders
type ResponderRepository interface {
	// ListActive returns active responders of the given type.
	ListActive(ctx context.Context, typ models.AssigneeType) ([]models.Responder, error)
	List(ctx context.Context) ([]models.Responder, error)
	Create(ctx context.Context, r models.Responder) error
}

// NotificationRepository is the outbox of SMS that could not be delivered
type NotificationRepository interface {
	Save(ctx context.Context, n models.Notification) error
	Pending(ctx context.Context, limit int) ([]models.Notification, error)
	CountPending(ctx context.Context) (int, error)
}

// ActivityRepository persists the per-incident activity trail
type ActivityRepository interface {
	Log(ctx context.Context, a models.ActivityLog) error
	ByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]models.ActivityLog, error)
	Recent(ctx context.Context, limit int) ([]models.ActivityLog, error)
}

// Store groups the repositories and provides atomic multi-record writes
type Store interface {
	Incidents() IncidentRepository
	Sessions() SessionRepository
	Rules() RuleRepository
	Responders() ResponderRepository
	Notifications() NotificationRepository
	Activity() ActivityRepository

	// WithTx runs fn against a transactional view of the store. Writes made
	// through tx become visible only if fn returns nil. Calling WithTx on a
	// transactional view runs fn in the enclosing transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Ping(ctx context.Context) error
}

// Matches reports whether inc satisfies every populated field of f
func Matches(f models.IncidentFilter, inc models.Incident) bool {
	if f.ExcludeID != uuid.Nil && inc.ID == f.ExcludeID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, inc.Type) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, inc.Severity) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, inc.Status) {
		return false
	}
	if len(f.ExcludeStatus) > 0 && contains(f.ExcludeStatus, inc.Status) {
		return false
	}
	if f.State != "" && inc.Location.State != f.State {
		return false
	}
	if f.LGA != "" && inc.Location.LGA != f.LGA {
		return false
	}
	if f.ReporterPhone != "" && inc.Reporter.Phone != f.ReporterPhone {
		return false
	}
	if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && inc.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
