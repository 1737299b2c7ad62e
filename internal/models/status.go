package models

// Status is the lifecycle position of an incident
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
	StatusClosed     Status = "closed"
	StatusFalseAlarm Status = "false_alarm"
	StatusExpired    Status = "expired"
	StatusMerged     Status = "merged"
)

// transitions lists the statuses reachable from each status.
// escalated -> escalated is allowed so a higher level can be applied later.
var transitions = map[Status][]Status{
	StatusReceived:   {StatusProcessing, StatusAssigned, StatusEscalated, StatusFalseAlarm, StatusClosed, StatusExpired, StatusMerged},
	StatusProcessing: {StatusAssigned, StatusEscalated, StatusResolved, StatusFalseAlarm, StatusClosed, StatusExpired, StatusMerged},
	StatusAssigned:   {StatusInProgress, StatusEscalated, StatusResolved, StatusClosed, StatusFalseAlarm, StatusMerged},
	StatusInProgress: {StatusResolved, StatusEscalated, StatusClosed},
	StatusEscalated:  {StatusEscalated, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed, StatusFalseAlarm, StatusMerged},
	StatusResolved:   {StatusClosed},
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusAssigned, StatusInProgress, StatusResolved,
		StatusEscalated, StatusClosed, StatusFalseAlarm, StatusExpired, StatusMerged:
		return true
	}
	return false
}

// CanTransition reports whether an incident may move from s to next
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Settled reports whether the incident no longer needs triage. Settled
// incidents are excluded from deduplication and rescoring.
func (s Status) Settled() bool {
	switch s {
	case StatusResolved, StatusClosed, StatusExpired, StatusFalseAlarm, StatusMerged:
		return true
	}
	return false
}

// UssdState is a step of the USSD dialogue
type UssdState string

const (
	UssdIdle              UssdState = "idle"
	UssdMainMenu          UssdState = "main_menu"
	UssdIncidentCategory  UssdState = "incident_category"
	UssdSeveritySelection UssdState = "severity_selection"
	UssdLocationSelection UssdState = "location_selection"
	UssdDescription       UssdState = "description"
	UssdCallbackConsent   UssdState = "callback_consent"
	UssdConfirmation      UssdState = "confirmation"
	UssdCompleted         UssdState = "completed"
	UssdTimeout           UssdState = "timeout"
	UssdAborted           UssdState = "aborted"
)

// UssdStates lists every dialogue state in flow order
var UssdStates = []UssdState{
	UssdIdle, UssdMainMenu, UssdIncidentCategory, UssdSeveritySelection, UssdLocationSelection,
	UssdDescription, UssdCallbackConsent, UssdConfirmation, UssdCompleted, UssdTimeout, UssdAborted,
}

// Terminal reports whether the dialogue has ended
func (s UssdState) Terminal() bool {
	return s == UssdCompleted || s == UssdTimeout || s == UssdAborted
}
