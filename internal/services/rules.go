package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RuleInput is an escalation rule submitted by an administrator
type RuleInput struct {
	Name            string                `json:"name"`
	Priority        int                   `json:"priority"`
	Active          *bool                 `json:"active"`
	Conditions      models.RuleConditions `json:"conditions"`
	Action          models.RuleAction     `json:"action"`
	CooldownMinutes int                   `json:"cooldown_minutes"`
}

// ResponderInput is a responder submitted by an administrator
type ResponderInput struct {
	Name         string              `json:"name"`
	Organization string              `json:"organization"`
	Phone        string              `json:"phone"`
	Type         models.AssigneeType `json:"type"`
	State        string              `json:"state"`
	LGA          string              `json:"lga"`
}

// RuleService manages escalation rules and the responder directory
type RuleService struct {
	store       store.Store
	clock       clock.Clock
	countryCode string
	logger      *zap.SugaredLogger
}

// NewRuleService creates a new rule service
func NewRuleService(st store.Store, clk clock.Clock, countryCode string, logger *zap.SugaredLogger) *RuleService {
	return &RuleService{store: st, clock: clk, countryCode: countryCode, logger: logger}
}

// ListRules returns every rule in evaluation order
func (s *RuleService) ListRules(ctx context.Context) ([]models.EscalationRule, error) {
	return s.store.Rules().List(ctx)
}

// CreateRule validates and stores a new rule
func (s *RuleService) CreateRule(ctx context.Context, in RuleInput) (models.EscalationRule, error) {
	rule := models.EscalationRule{
		ID:              uuid.New(),
		Name:            strings.TrimSpace(in.Name),
		Priority:        in.Priority,
		Active:          in.Active == nil || *in.Active,
		Conditions:      in.Conditions,
		Action:          in.Action,
		CooldownMinutes: in.CooldownMinutes,
		CreatedAt:       s.clock.Now(),
	}
	if err := validateRule(rule); err != nil {
		return models.EscalationRule{}, err
	}
	rule.Action.AssigneePhone = NormalizePhone(rule.Action.AssigneePhone, s.countryCode)

	if err := s.store.Rules().Create(ctx, rule); err != nil {
		return models.EscalationRule{}, fmt.Errorf("create rule: %w", err)
	}
	s.logger.Infow("Escalation rule created", "rule_id", rule.ID, "name", rule.Name, "priority", rule.Priority)
	return rule, nil
}

// SetActive enables or disables a rule
func (s *RuleService) SetActive(ctx context.Context, id uuid.UUID, active bool) (models.EscalationRule, error) {
	var out models.EscalationRule
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		rule, err := tx.Rules().Get(ctx, id)
		if err != nil {
			return err
		}
		next := rule.Clone()
		next.Active = active
		if err := tx.Rules().Update(ctx, next); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return models.EscalationRule{}, err
	}
	s.logger.Infow("Escalation rule toggled", "rule_id", id, "active", active)
	return out, nil
}

// ListResponders returns the responder directory
func (s *RuleService) ListResponders(ctx context.Context) ([]models.Responder, error) {
	return s.store.Responders().List(ctx)
}

// CreateResponder validates and stores a new active responder
func (s *RuleService) CreateResponder(ctx context.Context, in ResponderInput) (models.Responder, error) {
	const op = "create_responder"
	phone := NormalizePhone(in.Phone, s.countryCode)
	if strings.TrimSpace(in.Name) == "" || phone == "" {
		return models.Responder{}, apperr.Validation(op, "name and phone are required")
	}
	if !validAssignee(in.Type) {
		return models.Responder{}, apperr.Validation(op, "unknown responder type %q", in.Type)
	}

	r := models.Responder{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Organization: strings.TrimSpace(in.Organization),
		Phone:        phone,
		Type:         in.Type,
		Status:       models.ResponderActive,
		State:        strings.TrimSpace(in.State),
		LGA:          strings.TrimSpace(in.LGA),
	}
	if err := s.store.Responders().Create(ctx, r); err != nil {
		return models.Responder{}, fmt.Errorf("create responder: %w", err)
	}
	s.logger.Infow("Responder created", "responder_id", r.ID, "type", r.Type, "phone", MaskPhone(r.Phone))
	return r, nil
}

func validAssignee(t models.AssigneeType) bool {
	switch t {
	case models.AssigneeSecurityTeam, models.AssigneeCommunityFocal, models.AssigneeAgencyLiaison:
		return true
	}
	return false
}

func validateRule(r models.EscalationRule) error {
	const op = "create_rule"
	if r.Name == "" {
		return apperr.Validation(op, "name is required")
	}
	if r.Action.Level < 1 || r.Action.Level > models.MaxEscalationLevel {
		return apperr.Validation(op, "action level must be between 1 and %d", models.MaxEscalationLevel)
	}
	if r.Action.AssigneeType != "" && !validAssignee(r.Action.AssigneeType) {
		return apperr.Validation(op, "unknown assignee type %q", r.Action.AssigneeType)
	}
	if r.CooldownMinutes < 0 {
		return apperr.Validation(op, "cooldown_minutes must not be negative")
	}
	c := r.Conditions
	for _, t := range c.IncidentTypes {
		if !t.Valid() {
			return apperr.Validation(op, "unknown incident type %q", t)
		}
	}
	for _, sev := range c.Severities {
		if !sev.Valid() {
			return apperr.Validation(op, "unknown severity %q", sev)
		}
	}
	for _, ch := range c.Channels {
		if !ch.Valid() {
			return apperr.Validation(op, "unknown channel %q", ch)
		}
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 100) {
		return apperr.Validation(op, "min_confidence must be between 0 and 100")
	}
	if w := c.TimeWindow; w != nil {
		if _, err := parseClock(w.Start); err != nil {
			return apperr.Validation(op, "time_window start: %v", err)
		}
		if _, err := parseClock(w.End); err != nil {
			return apperr.Validation(op, "time_window end: %v", err)
		}
		for _, d := range w.Days {
			if d < 0 || d > 6 {
				return apperr.Validation(op, "time_window day %d out of range", d)
			}
		}
	}
	return nil
}
