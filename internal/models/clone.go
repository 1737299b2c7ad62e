package models

import "time"

// Clone returns a deep copy so callers can derive a new value without
// aliasing slices or pointers of the original.
func (i Incident) Clone() Incident {
	out := i
	out.Location.Latitude = cloneFloat(i.Location.Latitude)
	out.Location.Longitude = cloneFloat(i.Location.Longitude)
	out.Location.AccuracyM = cloneFloat(i.Location.AccuracyM)
	out.Description.PhotoRefs = cloneStrings(i.Description.PhotoRefs)
	out.Description.AudioRefs = cloneStrings(i.Description.AudioRefs)
	out.Confidence.Score = cloneInt(i.Confidence.Score)
	out.Confidence.DeduplicationScore = cloneInt(i.Confidence.DeduplicationScore)
	out.Confidence.SourceReliability = cloneInt(i.Confidence.SourceReliability)
	out.Escalation.RulesTriggered = cloneStrings(i.Escalation.RulesTriggered)
	out.Escalation.EscalatedAt = cloneTime(i.Escalation.EscalatedAt)
	out.Response.ResponseTimeMin = cloneInt(i.Response.ResponseTimeMin)
	out.Response.ArrivedAt = cloneTime(i.Response.ArrivedAt)
	out.Response.ResolvedAt = cloneTime(i.Response.ResolvedAt)
	if i.MergedInto != nil {
		id := *i.MergedInto
		out.MergedInto = &id
	}
	return out
}

// Redacted returns a copy safe to show without authentication. Phone numbers
// and the cell tower id are cleared.
func (i Incident) Redacted() Incident {
	out := i.Clone()
	out.Reporter.Phone = ""
	out.Location.CellTowerID = ""
	out.Escalation.AssigneePhone = ""
	return out
}

// Clone returns a deep copy of the rule
func (r EscalationRule) Clone() EscalationRule {
	out := r
	c := r.Conditions
	out.Conditions = RuleConditions{
		IncidentTypes: append([]IncidentType(nil), c.IncidentTypes...),
		Severities:    append([]Severity(nil), c.Severities...),
		States:        cloneStrings(c.States),
		LGAs:          cloneStrings(c.LGAs),
		MinConfidence: cloneInt(c.MinConfidence),
		Channels:      append([]Channel(nil), c.Channels...),
	}
	if c.TimeWindow != nil {
		tw := *c.TimeWindow
		tw.Days = append([]int(nil), c.TimeWindow.Days...)
		out.Conditions.TimeWindow = &tw
	}
	out.LastTriggeredAt = cloneTime(r.LastTriggeredAt)
	return out
}

// Clone returns a deep copy of the session
func (s UssdSession) Clone() UssdSession {
	out := s
	if s.Draft.CallbackConsent != nil {
		v := *s.Draft.CallbackConsent
		out.Draft.CallbackConsent = &v
	}
	if s.IncidentID != nil {
		id := *s.IncidentID
		out.IncidentID = &id
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int { return &v }

// FloatPtr returns a pointer to v
func FloatPtr(v float64) *float64 { return &v }

// BoolPtr returns a pointer to v
func BoolPtr(v bool) *bool { return &v }
