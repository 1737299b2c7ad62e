package services

import (
	"context"
	"testing"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() RuleInput {
	return RuleInput{
		Name:     " Market Fires ",
		Priority: 5,
		Conditions: models.RuleConditions{
			IncidentTypes: []models.IncidentType{models.TypeFire},
			States:        []string{"Kano"},
			TimeWindow:    &models.TimeWindow{Start: "18:00", End: "06:00"},
		},
		Action: models.RuleAction{
			Level:         2,
			AssigneeType:  models.AssigneeSecurityTeam,
			AssigneePhone: "0803 111 2222",
		},
		CooldownMinutes: 10,
	}
}

func TestRules_CreateRule(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	rule, err := e.rules.CreateRule(ctx, validRule())
	require.NoError(t, err)
	assert.Equal(t, "Market Fires", rule.Name)
	assert.True(t, rule.Active)
	assert.Equal(t, "+2348031112222", rule.Action.AssigneePhone)

	rules, err := e.rules.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.ID, rules[0].ID)
}

func TestRules_CreateRuleValidation(t *testing.T) {
	tests := map[string]func(*RuleInput){
		"blank name":        func(r *RuleInput) { r.Name = "  " },
		"level zero":        func(r *RuleInput) { r.Action.Level = 0 },
		"level too high":    func(r *RuleInput) { r.Action.Level = models.MaxEscalationLevel + 1 },
		"unknown assignee":  func(r *RuleInput) { r.Action.AssigneeType = "militia" },
		"negative cooldown": func(r *RuleInput) { r.CooldownMinutes = -1 },
		"unknown type":      func(r *RuleInput) { r.Conditions.IncidentTypes = []models.IncidentType{"alien"} },
		"unknown severity":  func(r *RuleInput) { r.Conditions.Severities = []models.Severity{"extreme"} },
		"unknown channel":   func(r *RuleInput) { r.Conditions.Channels = []models.Channel{"fax"} },
		"confidence range":  func(r *RuleInput) { r.Conditions.MinConfidence = models.IntPtr(101) },
		"bad window start":  func(r *RuleInput) { r.Conditions.TimeWindow.Start = "25:00" },
		"bad window day":    func(r *RuleInput) { r.Conditions.TimeWindow.Days = []int{7} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			e := newTestEnv(t)
			in := validRule()
			mutate(&in)
			_, err := e.rules.CreateRule(context.Background(), in)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestRules_SetActive(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	in := validRule()
	in.Active = new(bool)

	rule, err := e.rules.CreateRule(ctx, in)
	require.NoError(t, err)
	assert.False(t, rule.Active)

	rule, err = e.rules.SetActive(ctx, rule.ID, true)
	require.NoError(t, err)
	assert.True(t, rule.Active)

	_, err = e.rules.SetActive(ctx, uuid.New(), true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRules_CreateResponder(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	r, err := e.rules.CreateResponder(ctx, ResponderInput{
		Name:  " Musa Garba ",
		Phone: "08034445555",
		Type:  models.AssigneeCommunityFocal,
		State: "Kano",
		LGA:   "Fagge",
	})
	require.NoError(t, err)
	assert.Equal(t, "Musa Garba", r.Name)
	assert.Equal(t, "+2348034445555", r.Phone)
	assert.Equal(t, models.ResponderActive, r.Status)

	list, err := e.rules.ListResponders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = e.rules.CreateResponder(ctx, ResponderInput{Name: "No Phone", Type: models.AssigneeSecurityTeam})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = e.rules.CreateResponder(ctx, ResponderInput{Name: "Odd", Phone: "08034445556", Type: "vigilante"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
