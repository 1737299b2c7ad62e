package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher hands a notification to the delivery pipeline. Dispatch must
// not block on the SMS provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, n models.Notification)
}

// EscalationResult describes what the engine did with an incident
type EscalationResult struct {
	Escalated bool            `json:"escalated"`
	RuleID    *uuid.UUID      `json:"rule_id,omitempty"`
	RuleName  string          `json:"rule_name,omitempty"`
	Level     int             `json:"level"`
	Default   bool            `json:"default"`
	Incident  models.Incident `json:"incident"`
}

// defaultLevels is the severity fallback used when no rule matches
var defaultLevels = map[models.Severity]int{
	models.SeverityLow:      0,
	models.SeverityMedium:   1,
	models.SeverityHigh:     2,
	models.SeverityCritical: 3,
}

// EscalationService matches incidents against escalation rules and routes
// them to responders
type EscalationService struct {
	store       store.Store
	dispatcher  Dispatcher
	activity    *ActivityLogService
	responders  *ResponderLookup
	clock       clock.Clock
	loc         *time.Location
	cfg         config.EscalationConfig
	countryCode string
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
}

// NewEscalationService creates a new escalation service
func NewEscalationService(
	st store.Store,
	dispatcher Dispatcher,
	activity *ActivityLogService,
	responders *ResponderLookup,
	clk clock.Clock,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *EscalationService {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &EscalationService{
		store:       st,
		dispatcher:  dispatcher,
		activity:    activity,
		responders:  responders,
		clock:       clk,
		loc:         loc,
		cfg:         cfg.Escalation,
		countryCode: cfg.CountryCode,
		metrics:     m,
		logger:      logger,
	}
}

// ProcessIncident evaluates the rules against the stored incident and
// dispatches notifications once the escalation is committed
func (s *EscalationService) ProcessIncident(ctx context.Context, id uuid.UUID) (EscalationResult, error) {
	var (
		res   EscalationResult
		notes []models.Notification
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		inc, err := tx.Incidents().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		res, notes, err = s.Evaluate(ctx, tx, inc)
		return err
	})
	if err != nil {
		return EscalationResult{}, err
	}
	s.Dispatch(ctx, notes)
	return res, nil
}

// Evaluate applies the first matching rule, or the severity default, to inc
// through tx. The returned notifications must be dispatched by the caller
// after tx commits.
func (s *EscalationService) Evaluate(ctx context.Context, tx store.Store, inc models.Incident) (EscalationResult, []models.Notification, error) {
	if inc.Escalation.Level >= models.MaxEscalationLevel {
		return EscalationResult{Level: inc.Escalation.Level, Incident: inc}, nil, nil
	}
	if inc.Status.Settled() {
		return EscalationResult{Level: inc.Escalation.Level, Incident: inc}, nil, nil
	}

	rules, err := tx.Rules().ListActive(ctx)
	if err != nil {
		return EscalationResult{}, nil, fmt.Errorf("load escalation rules: %w", err)
	}

	now := s.clock.Now()
	for _, rule := range rules {
		if !s.Matches(rule, inc, now) {
			continue
		}
		if s.coolingDown(rule, now) {
			s.logger.Infow("Rule suppressed by cooldown", "rule", rule.Name, "incident_id", inc.ID)
			continue
		}
		return s.applyRule(ctx, tx, inc, rule, now)
	}

	target := defaultLevels[inc.Severity]
	if target <= inc.Escalation.Level {
		return EscalationResult{Level: inc.Escalation.Level, Incident: inc}, nil, nil
	}
	res, notes, err := s.applyLevel(ctx, tx, inc, target, "SYSTEM", now)
	if err != nil {
		return EscalationResult{}, nil, err
	}
	res.Default = true
	s.metrics.Escalated("default", target)
	return res, notes, nil
}

// EscalateToLevel raises an incident to target. Targets at or below the
// current level are rejected.
func (s *EscalationService) EscalateToLevel(ctx context.Context, id uuid.UUID, target int, actor string) (EscalationResult, error) {
	if target < 1 || target > models.MaxEscalationLevel {
		return EscalationResult{}, apperr.Validation("escalate", "level must be between 1 and %d", models.MaxEscalationLevel)
	}

	var (
		res   EscalationResult
		notes []models.Notification
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		inc, err := tx.Incidents().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if target <= inc.Escalation.Level {
			return apperr.BusinessRule("escalate", "incident is already at level %d", inc.Escalation.Level)
		}
		res, notes, err = s.applyLevel(ctx, tx, inc, target, actor, s.clock.Now())
		return err
	})
	if err != nil {
		return EscalationResult{}, err
	}

	s.metrics.Escalated("manual", target)
	s.Dispatch(ctx, notes)
	return res, nil
}

// Dispatch hands notifications to the dispatcher
func (s *EscalationService) Dispatch(ctx context.Context, notes []models.Notification) {
	for _, n := range notes {
		s.dispatcher.Dispatch(ctx, n)
	}
}

// Matches reports whether every populated condition of rule holds for inc
// at now
func (s *EscalationService) Matches(rule models.EscalationRule, inc models.Incident, now time.Time) bool {
	c := rule.Conditions
	if len(c.IncidentTypes) > 0 && !containsValue(c.IncidentTypes, inc.Type) {
		return false
	}
	if len(c.Severities) > 0 && !containsValue(c.Severities, inc.Severity) {
		return false
	}
	if len(c.States) > 0 && !containsFold(c.States, inc.Location.State) {
		return false
	}
	if len(c.LGAs) > 0 && !containsFold(c.LGAs, inc.Location.LGA) {
		return false
	}
	if c.TimeWindow != nil {
		ok, err := inWindow(*c.TimeWindow, now.In(s.loc))
		if err != nil {
			s.logger.Warnw("Invalid rule time window", "rule", rule.Name, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	if c.MinConfidence != nil {
		if inc.Confidence.Score == nil || *inc.Confidence.Score < *c.MinConfidence {
			return false
		}
	}
	if len(c.Channels) > 0 && !containsValue(c.Channels, inc.Channel) {
		return false
	}
	return true
}

func (s *EscalationService) coolingDown(rule models.EscalationRule, now time.Time) bool {
	if !s.cfg.EnforceCooldown || rule.CooldownMinutes <= 0 || rule.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*rule.LastTriggeredAt) < time.Duration(rule.CooldownMinutes)*time.Minute
}

func (s *EscalationService) applyRule(ctx context.Context, tx store.Store, inc models.Incident, rule models.EscalationRule, now time.Time) (EscalationResult, []models.Notification, error) {
	ruleID := rule.ID.String()
	level := max(inc.Escalation.Level, min(rule.Action.Level, models.MaxEscalationLevel))

	// Re-running over an incident this rule already escalated is a no-op
	if containsValue(inc.Escalation.RulesTriggered, ruleID) && level == inc.Escalation.Level {
		return EscalationResult{Level: level, Incident: inc}, nil, nil
	}

	next := inc.Clone()
	if next.Status.CanTransition(models.StatusEscalated) {
		next.Status = models.StatusEscalated
	}
	next.Escalation.Level = level
	next.Escalation.RulesTriggered = append(next.Escalation.RulesTriggered, ruleID)
	next.Escalation.EscalatedAt = &now
	next.Escalation.AssigneeType = rule.Action.AssigneeType
	next.Escalation.AssigneeName = rule.Action.AssigneeName
	next.Escalation.AssigneePhone = rule.Action.AssigneePhone
	next.Escalation.AssigneeOrg = rule.Action.AssigneeOrg
	if next.Escalation.AssigneeType == "" {
		next.Escalation.AssigneeType = assigneeForLevel(level)
	}
	if next.Escalation.AssigneePhone == "" {
		r, err := s.responders.Resolve(ctx, tx, next.Escalation.AssigneeType, inc.Location.State, inc.Location.LGA)
		if err != nil {
			return EscalationResult{}, nil, err
		}
		fillAssignee(&next.Escalation, r)
	}
	next.UpdatedAt = now

	if err := tx.Incidents().Update(ctx, next); err != nil {
		return EscalationResult{}, nil, fmt.Errorf("update escalated incident: %w", err)
	}
	if err := tx.Rules().RecordTrigger(ctx, rule.ID, now); err != nil {
		return EscalationResult{}, nil, fmt.Errorf("record rule trigger: %w", err)
	}
	desc := fmt.Sprintf("rule %q raised level to %d, assigned to %s", rule.Name, level, assigneeLabel(next.Escalation))
	if err := s.activity.LogIn(ctx, tx, inc.ID, models.ActivityEscalation, "SYSTEM", desc); err != nil {
		return EscalationResult{}, nil, err
	}

	s.metrics.Escalated("rule", level)
	s.logger.Infow("Incident escalated by rule",
		"incident_id", inc.ID,
		"rule", rule.Name,
		"level", level,
	)

	res := EscalationResult{
		Escalated: true,
		RuleID:    &rule.ID,
		RuleName:  rule.Name,
		Level:     level,
		Incident:  next,
	}
	return res, s.notificationsFor(next, now), nil
}

func (s *EscalationService) applyLevel(ctx context.Context, tx store.Store, inc models.Incident, level int, actor string, now time.Time) (EscalationResult, []models.Notification, error) {
	next := inc.Clone()
	if next.Status.CanTransition(models.StatusEscalated) {
		next.Status = models.StatusEscalated
	}
	next.Escalation.Level = level
	next.Escalation.EscalatedAt = &now
	next.Escalation.AssigneeType = assigneeForLevel(level)
	next.Escalation.AssigneeName = ""
	next.Escalation.AssigneePhone = ""
	next.Escalation.AssigneeOrg = ""

	r, err := s.responders.Resolve(ctx, tx, next.Escalation.AssigneeType, inc.Location.State, inc.Location.LGA)
	if err != nil {
		return EscalationResult{}, nil, err
	}
	fillAssignee(&next.Escalation, r)
	next.UpdatedAt = now

	if err := tx.Incidents().Update(ctx, next); err != nil {
		return EscalationResult{}, nil, fmt.Errorf("update escalated incident: %w", err)
	}
	desc := fmt.Sprintf("level %d -> %d, assigned to %s", inc.Escalation.Level, level, assigneeLabel(next.Escalation))
	if err := s.activity.LogIn(ctx, tx, inc.ID, models.ActivityEscalation, actor, desc); err != nil {
		return EscalationResult{}, nil, err
	}

	s.logger.Infow("Incident escalated",
		"incident_id", inc.ID,
		"level", level,
		"actor", actor,
	)

	return EscalationResult{Escalated: true, Level: level, Incident: next}, s.notificationsFor(next, now), nil
}

func (s *EscalationService) notificationsFor(inc models.Incident, now time.Time) []models.Notification {
	phone := NormalizePhone(inc.Escalation.AssigneePhone, s.countryCode)
	if phone == "" {
		s.logger.Warnw("Escalated incident has no assignee phone", "incident_id", inc.ID)
		return nil
	}
	return []models.Notification{{
		ID:         uuid.New(),
		IncidentID: inc.ID,
		Phone:      phone,
		Message:    AlertMessage(inc),
		Status:     models.NotificationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
}

// AlertMessage renders the responder SMS for an escalated incident
func AlertMessage(inc models.Incident) string {
	var where []string
	for _, part := range []string{inc.Location.Village, inc.Location.LGA, inc.Location.State} {
		if part != "" {
			where = append(where, part)
		}
	}
	place := "unknown location"
	if len(where) > 0 {
		place = strings.Join(where, ", ")
	} else if inc.Location.HasGPS() {
		place = fmt.Sprintf("%.5f,%.5f", *inc.Location.Latitude, *inc.Location.Longitude)
	}

	msg := fmt.Sprintf("ALERT L%d: %s (%s) at %s. Ref %s",
		inc.Escalation.Level,
		strings.ReplaceAll(string(inc.Type), "_", " "),
		inc.Severity,
		place,
		inc.ID.String()[:8],
	)
	if inc.Reporter.CallbackConsent && !inc.Reporter.Anonymous && inc.Reporter.Phone != "" {
		msg += ". Reporter " + inc.Reporter.Phone
	}
	return msg
}

func assigneeForLevel(level int) models.AssigneeType {
	if level >= 3 {
		return models.AssigneeAgencyLiaison
	}
	return models.AssigneeCommunityFocal
}

func fillAssignee(e *models.Escalation, r models.Responder) {
	if e.AssigneeName == "" {
		e.AssigneeName = r.Name
	}
	if e.AssigneePhone == "" {
		e.AssigneePhone = r.Phone
	}
	if e.AssigneeOrg == "" {
		e.AssigneeOrg = r.Organization
	}
}

func assigneeLabel(e models.Escalation) string {
	switch {
	case e.AssigneeName != "" && e.AssigneeOrg != "":
		return e.AssigneeName + " (" + e.AssigneeOrg + ")"
	case e.AssigneeOrg != "":
		return e.AssigneeOrg
	case e.AssigneeName != "":
		return e.AssigneeName
	}
	return string(e.AssigneeType)
}

// inWindow reports whether t falls inside w. A window whose end is before
// its start wraps past midnight.
func inWindow(w models.TimeWindow, t time.Time) (bool, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}

	minute := t.Hour()*60 + t.Minute()
	var inside bool
	if start <= end {
		inside = minute >= start && minute <= end
	} else {
		inside = minute >= start || minute <= end
	}
	if !inside {
		return false, nil
	}
	if len(w.Days) > 0 && !containsValue(w.Days, int(t.Weekday())) {
		return false, nil
	}
	return true, nil
}

func parseClock(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func containsValue[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
