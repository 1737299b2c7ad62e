package seed

import (
	"context"
	"testing"
	"time"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_CriticalRule(t *testing.T) {
	s, err := Defaults()
	require.NoError(t, err)
	require.NotEmpty(t, s.Rules)

	rules := s.EscalationRules(time.Unix(0, 0))
	var critical *models.EscalationRule
	for i := range rules {
		if rules[i].Name == "Critical Incident - All Channels" {
			critical = &rules[i]
		}
	}
	require.NotNil(t, critical)

	assert.True(t, critical.Active)
	assert.Contains(t, critical.Conditions.IncidentTypes, models.TypeFire)
	assert.Contains(t, critical.Conditions.Severities, models.SeverityCritical)
	assert.Equal(t, 3, critical.Action.Level)
	assert.Equal(t, "Police", critical.Action.AssigneeOrg)
}

func TestParse(t *testing.T) {
	data := []byte(`
rules:
  - name: Night patrol
    priority: 5
    conditions:
      states: [Kano]
      time_window: {start: "22:00", end: "05:00", days: [5, 6]}
      min_confidence: 60
      channels: [ussd]
    action:
      level: 2
      assignee_type: security_team
    cooldown_minutes: 10
responders:
  - name: Desk
    phone: "0800"
    type: community_focal
`)
	s, err := Parse(data)
	require.NoError(t, err)

	want := Set{
		Rules: []Rule{{
			Name:     "Night patrol",
			Priority: 5,
			Conditions: models.RuleConditions{
				States:        []string{"Kano"},
				TimeWindow:    &models.TimeWindow{Start: "22:00", End: "05:00", Days: []int{5, 6}},
				MinConfidence: models.IntPtr(60),
				Channels:      []models.Channel{models.ChannelUSSD},
			},
			Action:          models.RuleAction{Level: 2, AssigneeType: models.AssigneeSecurityTeam},
			CooldownMinutes: 10,
		}},
		Responders: []Responder{{Name: "Desk", Phone: "0800", Type: models.AssigneeCommunityFocal}},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "rules:\n  - priority: 1\n    action: {level: 1}\n"},
		{"level out of range", "rules:\n  - name: x\n    action: {level: 9}\n"},
		{"unknown type", "rules:\n  - name: x\n    conditions: {incident_types: [ufo]}\n    action: {level: 1}\n"},
		{"unknown severity", "rules:\n  - name: x\n    conditions: {severities: [urgent]}\n    action: {level: 1}\n"},
		{"responder type", "responders:\n  - name: x\n    phone: '1'\n    type: mayor\n"},
		{"malformed", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestApply_Idempotent(t *testing.T) {
	st := store.NewMemory()
	s, err := Defaults()
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := Apply(ctx, st, s, now)
	require.NoError(t, err)
	assert.Equal(t, len(s.Rules), first.Rules)
	assert.Equal(t, len(s.Responders), first.Responders)

	second, err := Apply(ctx, st, s, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	rules, err := st.Rules().ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Critical Incident - All Channels", rules[0].Name)
}
