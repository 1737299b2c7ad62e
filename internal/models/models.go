// Package models defines the data structures used across the application.
// These map to the PostgreSQL schema in internal/database/schema.sql.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the entry point an incident report arrived through
type Channel string

const (
	ChannelUSSD   Channel = "ussd"
	ChannelWeb    Channel = "web"
	ChannelMobile Channel = "mobile"
	ChannelAPI    Channel = "api"
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelUSSD, ChannelWeb, ChannelMobile, ChannelAPI:
		return true
	}
	return false
}

// IncidentType classifies what is being reported
type IncidentType string

const (
	TypeSuspiciousActivity IncidentType = "suspicious_activity"
	TypeTheft              IncidentType = "theft"
	TypeArmedRobbery       IncidentType = "armed_robbery"
	TypeFight              IncidentType = "fight"
	TypeGunshot            IncidentType = "gunshot"
	TypeViolence           IncidentType = "violence"
	TypeKidnapping         IncidentType = "kidnapping"
	TypeIncidentInProgress IncidentType = "incident_in_progress"
	TypeFire               IncidentType = "fire"
	TypeExplosion          IncidentType = "explosion"
	TypeMedicalEmergency   IncidentType = "medical_emergency"
	TypeCommunityAlert     IncidentType = "community_alert"
	TypeOther              IncidentType = "other"
)

var incidentTypes = map[IncidentType]bool{
	TypeSuspiciousActivity: true, TypeTheft: true, TypeArmedRobbery: true, TypeFight: true,
	TypeGunshot: true, TypeViolence: true, TypeKidnapping: true, TypeIncidentInProgress: true,
	TypeFire: true, TypeExplosion: true, TypeMedicalEmergency: true, TypeCommunityAlert: true,
	TypeOther: true,
}

// Valid reports whether t is a known incident type
func (t IncidentType) Valid() bool { return incidentTypes[t] }

// Severity is the reporter's assessment of how serious an incident is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Ordinal maps severity onto 1..4; unknown severities are 0
func (s Severity) Ordinal() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool { return s.Ordinal() > 0 }

// Language of a USSD dialogue
type Language string

const (
	LanguageHausa   Language = "hausa"
	LanguageEnglish Language = "english"
)

// AssigneeType identifies the kind of responder an incident is routed to
type AssigneeType string

const (
	AssigneeSecurityTeam   AssigneeType = "security_team"
	AssigneeCommunityFocal AssigneeType = "community_focal"
	AssigneeAgencyLiaison  AssigneeType = "agency_liaison"
)

// MaxEscalationLevel is the highest level an incident can reach
const MaxEscalationLevel = 5

// Reporter holds who filed the report
type Reporter struct {
	Phone           string `json:"phone,omitempty" db:"reporter_phone"`
	Anonymous       bool   `json:"anonymous" db:"reporter_anonymous"`
	CallbackConsent bool   `json:"callback_consent" db:"callback_consent"`
}

// Location holds every form of location a report may carry. GPS fields are
// nil when the channel could not provide them.
type Location struct {
	Latitude    *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude   *float64 `json:"longitude,omitempty" db:"longitude"`
	AccuracyM   *float64 `json:"accuracy_m,omitempty" db:"accuracy_m"`
	CellTowerID string   `json:"cell_tower_id,omitempty" db:"cell_tower_id"`
	State       string   `json:"state,omitempty" db:"state"`
	LGA         string   `json:"lga,omitempty" db:"lga"`
	Village     string   `json:"village,omitempty" db:"village"`
	Geohash     string   `json:"geohash,omitempty" db:"geohash"`
}

// HasGPS reports whether both coordinates are present
func (l Location) HasGPS() bool { return l.Latitude != nil && l.Longitude != nil }

// Description is the free-form part of a report
type Description struct {
	Text      string   `json:"text,omitempty" db:"description"`
	Language  string   `json:"language,omitempty" db:"description_language"`
	PhotoRefs []string `json:"photo_refs,omitempty" db:"photo_refs"`
	AudioRefs []string `json:"audio_refs,omitempty" db:"audio_refs"`
}

// Confidence holds the scoring outputs for an incident
type Confidence struct {
	Score              *int `json:"score,omitempty" db:"confidence_score"`
	DeduplicationScore *int `json:"deduplication_score,omitempty" db:"deduplication_score"`
	SourceReliability  *int `json:"source_reliability,omitempty" db:"source_reliability"`
}

// Escalation holds the routing state of an incident
type Escalation struct {
	Level          int          `json:"level" db:"escalation_level"`
	RulesTriggered []string     `json:"rules_triggered,omitempty" db:"rules_triggered"`
	AssigneeType   AssigneeType `json:"assignee_type,omitempty" db:"assignee_type"`
	AssigneeName   string       `json:"assignee_name,omitempty" db:"assignee_name"`
	AssigneePhone  string       `json:"assignee_phone,omitempty" db:"assignee_phone"`
	AssigneeOrg    string       `json:"assignee_org,omitempty" db:"assignee_org"`
	EscalatedAt    *time.Time   `json:"escalated_at,omitempty" db:"escalated_at"`
}

// Response holds field-response bookkeeping
type Response struct {
	FirstResponder  string     `json:"first_responder,omitempty" db:"first_responder"`
	ResponseTimeMin *int       `json:"response_time_min,omitempty" db:"response_time_min"`
	ArrivedAt       *time.Time `json:"arrived_at,omitempty" db:"arrived_at"`
	Resolution      string     `json:"resolution,omitempty" db:"resolution"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Incident is a single report moving through the pipeline
type Incident struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Channel     Channel      `json:"channel" db:"channel"`
	Reporter    Reporter     `json:"reporter"`
	Type        IncidentType `json:"incident_type" db:"incident_type"`
	Severity    Severity     `json:"severity" db:"severity"`
	Location    Location     `json:"location"`
	Description Description  `json:"description"`
	Confidence  Confidence   `json:"confidence"`
	Status      Status       `json:"status" db:"status"`
	Escalation  Escalation   `json:"escalation"`
	Response    Response     `json:"response"`
	MergedInto  *uuid.UUID   `json:"merged_into,omitempty" db:"merged_into"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// IncidentFilter narrows incident queries. Zero fields are ignored.
type IncidentFilter struct {
	Types         []IncidentType
	Severities    []Severity
	Statuses      []Status
	ExcludeStatus []Status
	State         string
	LGA           string
	ReporterPhone string
	Since         time.Time
	Until         time.Time
	ExcludeID     uuid.UUID
	// Limit keeps the most recent N matches; results are ordered newest first.
	Limit int
}

// UssdSession is the server-side state of one USSD dialogue
type UssdSession struct {
	SessionID    string     `json:"session_id" db:"session_id"`
	PhoneNumber  string     `json:"phone_number" db:"phone_number"`
	Language     Language   `json:"language" db:"language"`
	State        UssdState  `json:"state" db:"state"`
	Draft        UssdDraft  `json:"draft" db:"draft"`
	LastActivity time.Time  `json:"last_activity" db:"last_activity"`
	IncidentID   *uuid.UUID `json:"incident_id,omitempty" db:"incident_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// UssdDraft accumulates the answers collected so far in a dialogue
type UssdDraft struct {
	HelpRequest     bool         `json:"help_request,omitempty"`
	IncidentType    IncidentType `json:"incident_type,omitempty"`
	Severity        Severity     `json:"severity,omitempty"`
	UseNetworkLoc   bool         `json:"use_network_location,omitempty"`
	Village         string       `json:"village,omitempty"`
	LGA             string       `json:"lga,omitempty"`
	State           string       `json:"state,omitempty"`
	CellTowerID     string       `json:"cell_tower_id,omitempty"`
	Description     string       `json:"description,omitempty"`
	DescriptionSkip bool         `json:"description_skipped,omitempty"`
	CallbackConsent *bool        `json:"callback_consent,omitempty"`
}

// RuleConditions are the match criteria of an escalation rule. An empty list
// matches anything for that dimension.
type RuleConditions struct {
	IncidentTypes []IncidentType `json:"incident_types,omitempty" yaml:"incident_types"`
	Severities    []Severity     `json:"severities,omitempty" yaml:"severities"`
	States        []string       `json:"states,omitempty" yaml:"states"`
	LGAs          []string       `json:"lgas,omitempty" yaml:"lgas"`
	TimeWindow    *TimeWindow    `json:"time_window,omitempty" yaml:"time_window"`
	MinConfidence *int           `json:"min_confidence,omitempty" yaml:"min_confidence"`
	Channels      []Channel      `json:"channels,omitempty" yaml:"channels"`
}

// TimeWindow restricts a rule to a wall-clock range on given weekdays.
// Start and End are "HH:MM"; Days uses time.Weekday numbering (0 = Sunday).
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	Days  []int  `json:"days,omitempty" yaml:"days"`
}

// RuleAction is what happens to an incident when a rule matches
type RuleAction struct {
	Level              int          `json:"level" yaml:"level"`
	AssigneeType       AssigneeType `json:"assignee_type,omitempty" yaml:"assignee_type"`
	AssigneeName       string       `json:"assignee_name,omitempty" yaml:"assignee_name"`
	AssigneePhone      string       `json:"assignee_phone,omitempty" yaml:"assignee_phone"`
	AssigneeOrg        string       `json:"assignee_org,omitempty" yaml:"assignee_org"`
	NotificationMethod string       `json:"notification_method,omitempty" yaml:"notification_method"`
	SLAMinutes         int          `json:"sla_minutes,omitempty" yaml:"sla_minutes"`
}

// EscalationRule routes matching incidents to a responder
type EscalationRule struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	Priority        int            `json:"priority" db:"priority"`
	Active          bool           `json:"active" db:"active"`
	Conditions      RuleConditions `json:"conditions" db:"conditions"`
	Action          RuleAction     `json:"action" db:"action"`
	CooldownMinutes int            `json:"cooldown_minutes" db:"cooldown_minutes"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	TriggerCount    int            `json:"trigger_count" db:"trigger_count"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// ResponderStatus is whether a responder can currently take assignments
type ResponderStatus string

const (
	ResponderActive   ResponderStatus = "active"
	ResponderInactive ResponderStatus = "inactive"
)

// Responder is a person escalations can be assigned to
type Responder struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Organization string          `json:"organization" db:"organization"`
	Phone        string          `json:"phone" db:"phone"`
	Type         AssigneeType    `json:"type" db:"type"`
	Status       ResponderStatus `json:"status" db:"status"`
	State        string          `json:"state,omitempty" db:"state"`
	LGA          string          `json:"lga,omitempty" db:"lga"`
}

// NotificationStatus tracks an outbound SMS
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is an outbound SMS to a responder
type Notification struct {
	ID         uuid.UUID          `json:"id" db:"id"`
	IncidentID uuid.UUID          `json:"incident_id" db:"incident_id"`
	Phone      string             `json:"phone" db:"phone"`
	Message    string             `json:"message" db:"message"`
	Status     NotificationStatus `json:"status" db:"status"`
	Attempts   int                `json:"attempts" db:"attempts"`
	LastError  string             `json:"last_error,omitempty" db:"last_error"`
	MessageID  string             `json:"message_id,omitempty" db:"message_id"`
	CreatedAt  time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at" db:"updated_at"`
}

// ActivityLog records an action taken on an incident
type ActivityLog struct {
	ID           uuid.UUID `json:"id" db:"id"`
	IncidentID   uuid.UUID `json:"incident_id" db:"incident_id"`
	ActivityType string    `json:"activity_type" db:"activity_type"`
	Description  string    `json:"description" db:"description"`
	Actor        string    `json:"actor" db:"actor"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Activity types
const (
	ActivitySubmission = "submission"
	ActivityEscalation = "escalation"
	ActivityMerge      = "merge"
	ActivityStatus     = "status_change"
	ActivityRescore    = "rescore"
)

// HealthStatus represents the server health check response
type HealthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
	Queued   int    `json:"queued_notifications"`
}
