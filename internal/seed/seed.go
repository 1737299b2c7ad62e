// Package seed loads escalation rules and responders from YAML.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// namespace derives stable ids from names so seeding twice is a no-op
var namespace = uuid.MustParse("6f1c2a8e-3b7d-4e0a-9c55-1d2e3f405162")

// Set is the content of a seed file
type Set struct {
	Rules      []Rule      `yaml:"rules"`
	Responders []Responder `yaml:"responders"`
}

// Rule is an escalation rule as written in YAML
type Rule struct {
	Name            string                `yaml:"name"`
	Priority        int                   `yaml:"priority"`
	Inactive        bool                  `yaml:"inactive"`
	Conditions      models.RuleConditions `yaml:"conditions"`
	Action          models.RuleAction     `yaml:"action"`
	CooldownMinutes int                   `yaml:"cooldown_minutes"`
}

// Responder as written in YAML
type Responder struct {
	Name         string              `yaml:"name"`
	Organization string              `yaml:"organization"`
	Phone        string              `yaml:"phone"`
	Type         models.AssigneeType `yaml:"type"`
	State        string              `yaml:"state"`
	LGA          string              `yaml:"lga"`
}

// Defaults returns the built-in seed set
func Defaults() (Set, error) {
	return Parse(defaultsYAML)
}

// LoadFile reads a seed set from path
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a seed set
func Parse(data []byte) (Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Set{}, fmt.Errorf("parse seed yaml: %w", err)
	}
	if err := s.validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

func (s Set) validate() error {
	for _, r := range s.Rules {
		if r.Name == "" {
			return apperr.Validation("seed", "rule without a name")
		}
		if r.Action.Level < 1 || r.Action.Level > models.MaxEscalationLevel {
			return apperr.Validation("seed", "rule %q: level must be between 1 and %d", r.Name, models.MaxEscalationLevel)
		}
		for _, t := range r.Conditions.IncidentTypes {
			if !t.Valid() {
				return apperr.Validation("seed", "rule %q: unknown incident type %q", r.Name, t)
			}
		}
		for _, sev := range r.Conditions.Severities {
			if !sev.Valid() {
				return apperr.Validation("seed", "rule %q: unknown severity %q", r.Name, sev)
			}
		}
		for _, c := range r.Conditions.Channels {
			if !c.Valid() {
				return apperr.Validation("seed", "rule %q: unknown channel %q", r.Name, c)
			}
		}
	}
	for _, r := range s.Responders {
		if r.Name == "" || r.Phone == "" {
			return apperr.Validation("seed", "responder needs a name and phone")
		}
		switch r.Type {
		case models.AssigneeSecurityTeam, models.AssigneeCommunityFocal, models.AssigneeAgencyLiaison:
		default:
			return apperr.Validation("seed", "responder %q: unknown type %q", r.Name, r.Type)
		}
	}
	return nil
}

// EscalationRules converts the YAML rules to models stamped with createdAt
func (s Set) EscalationRules(createdAt time.Time) []models.EscalationRule {
	out := make([]models.EscalationRule, 0, len(s.Rules))
	for i, r := range s.Rules {
		out = append(out, models.EscalationRule{
			ID:              uuid.NewSHA1(namespace, []byte("rule:"+r.Name)),
			Name:            r.Name,
			Priority:        r.Priority,
			Active:          !r.Inactive,
			Conditions:      r.Conditions,
			Action:          r.Action,
			CooldownMinutes: r.CooldownMinutes,
			// Keep file order for rules that share a priority.
			CreatedAt: createdAt.Add(time.Duration(i) * time.Millisecond),
		})
	}
	return out
}

// ResponderModels converts the YAML responders to models
func (s Set) ResponderModels() []models.Responder {
	out := make([]models.Responder, 0, len(s.Responders))
	for _, r := range s.Responders {
		out = append(out, models.Responder{
			ID:           uuid.NewSHA1(namespace, []byte("responder:"+r.Phone)),
			Name:         r.Name,
			Organization: r.Organization,
			Phone:        r.Phone,
			Type:         r.Type,
			Status:       models.ResponderActive,
			State:        r.State,
			LGA:          r.LGA,
		})
	}
	return out
}

// Result counts what Apply inserted
type Result struct {
	Rules      int
	Responders int
}

// Apply inserts rules and responders that are not already present
func Apply(ctx context.Context, st store.Store, s Set, now time.Time) (Result, error) {
	var res Result
	err := st.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		res = Result{}
		for _, r := range s.EscalationRules(now) {
			if _, err := tx.Rules().Get(ctx, r.ID); err == nil {
				continue
			} else if !apperr.Is(err, apperr.KindNotFound) {
				return err
			}
			if err := tx.Rules().Create(ctx, r); err != nil {
				return fmt.Errorf("create rule %q: %w", r.Name, err)
			}
			res.Rules++
		}

		existing, err := tx.Responders().List(ctx)
		if err != nil {
			return err
		}
		have := make(map[uuid.UUID]bool, len(existing))
		for _, r := range existing {
			have[r.ID] = true
		}
		for _, r := range s.ResponderModels() {
			if have[r.ID] {
				continue
			}
			if err := tx.Responders().Create(ctx, r); err != nil {
				return fmt.Errorf("create responder %q: %w", r.Name, err)
			}
			res.Responders++
		}
		return nil
	})
	return res, err
}
