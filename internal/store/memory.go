package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/google/uuid"
)

// memData is the full dataset of a Memory store. Values are stored by copy.
type memData struct {
	incidents     map[uuid.UUID]models.Incident
	sessions      map[string]models.UssdSession
	rules         map[uuid.UUID]models.EscalationRule
	responders    map[uuid.UUID]models.Responder
	notifications map[uuid.UUID]models.Notification
	activity      []models.ActivityLog
}

func newMemData() *memData {
	return &memData{
		incidents:     make(map[uuid.UUID]models.Incident),
		sessions:      make(map[string]models.UssdSession),
		rules:         make(map[uuid.UUID]models.EscalationRule),
		responders:    make(map[uuid.UUID]models.Responder),
		notifications: make(map[uuid.UUID]models.Notification),
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	for k, v := range d.incidents {
		out.incidents[k] = v.Clone()
	}
	for k, v := range d.sessions {
		out.sessions[k] = v.Clone()
	}
	for k, v := range d.rules {
		out.rules[k] = v.Clone()
	}
	for k, v := range d.responders {
		out.responders[k] = v
	}
	for k, v := range d.notifications {
		out.notifications[k] = v
	}
	out.activity = append([]models.ActivityLog(nil), d.activity...)
	return out
}

// Memory is an in-process Store. Operations are serialized by a single
// mutex; a transaction holds it for its whole duration and works on a
// snapshot that replaces the live data on commit.
type Memory struct {
	mu   *sync.Mutex
	data **memData
	inTx bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	d := newMemData()
	return &Memory{mu: &sync.Mutex{}, data: &d}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) d() *memData { return *m.data }

// WithTx runs fn on a snapshot and swaps it in when fn succeeds
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if m.inTx {
		return fn(ctx, m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := (*m.data).clone()
	tx := &Memory{mu: m.mu, data: &snapshot, inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	*m.data = snapshot
	return nil
}

// Ping always succeeds
func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Incidents() IncidentRepository         { return memIncidents{m} }
func (m *Memory) Sessions() SessionRepository           { return memSessions{m} }
func (m *Memory) Rules() RuleRepository                 { return memRules{m} }
func (m *Memory) Responders() ResponderRepository       { return memResponders{m} }
func (m *Memory) Notifications() NotificationRepository { return memNotifications{m} }
func (m *Memory) Activity() ActivityRepository          { return memActivity{m} }

type memIncidents struct{ m *Memory }

func (r memIncidents) Create(ctx context.Context, inc models.Incident) error {
	defer r.m.lock()()
	if _, exists := r.m.d().incidents[inc.ID]; exists {
		return apperr.BusinessRule("store.incidents.create", "incident %s already exists", inc.ID)
	}
	r.m.d().incidents[inc.ID] = inc.Clone()
	return nil
}

func (r memIncidents) Get(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	defer r.m.lock()()
	inc, ok := r.m.d().incidents[id]
	if !ok {
		return models.Incident{}, apperr.NotFound("store.incidents.get", "incident %s not found", id)
	}
	return inc.Clone(), nil
}

// GetForUpdate is Get. A transaction already holds the store mutex.
func (r memIncidents) GetForUpdate(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	return r.Get(ctx, id)
}

func (r memIncidents) Update(ctx context.Context, inc models.Incident) error {
	defer r.m.lock()()
	cur, ok := r.m.d().incidents[inc.ID]
	if !ok {
		return apperr.NotFound("store.incidents.update", "incident %s not found", inc.ID)
	}
	if inc.Escalation.Level < cur.Escalation.Level {
		return apperr.BusinessRule("store.incidents.update", "incident %s is at level %d, refusing level %d", inc.ID, cur.Escalation.Level, inc.Escalation.Level)
	}
	r.m.d().incidents[inc.ID] = inc.Clone()
	return nil
}

func (r memIncidents) Query(ctx context.Context, f models.IncidentFilter) ([]models.Incident, error) {
	defer r.m.lock()()
	var out []models.Incident
	for _, inc := range r.m.d().incidents {
		if Matches(f, inc) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type memSessions struct{ m *Memory }

func (r memSessions) Get(ctx context.Context, sessionID string) (models.UssdSession, error) {
	defer r.m.lock()()
	s, ok := r.m.d().sessions[sessionID]
	if !ok {
		return models.UssdSession{}, apperr.NotFound("store.sessions.get", "session %s not found", sessionID)
	}
	return s.Clone(), nil
}

func (r memSessions) Save(ctx context.Context, s models.UssdSession) error {
	defer r.m.lock()()
	r.m.d().sessions[s.SessionID] = s.Clone()
	return nil
}

func (r memSessions) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	defer r.m.lock()()
	n := 0
	for id, s := range r.m.d().sessions {
		if s.State != models.UssdCompleted && s.LastActivity.Before(cutoff) {
			delete(r.m.d().sessions, id)
			n++
		}
	}
	return n, nil
}

type memRules struct{ m *Memory }

func (r memRules) list(activeOnly bool) []models.EscalationRule {
	var out []models.EscalationRule
	for _, rule := range r.m.d().rules {
		if activeOnly && !rule.Active {
			continue
		}
		out = append(out, rule.Clone())
	}
	SortRules(out)
	return out
}

func (r memRules) ListActive(ctx context.Context) ([]models.EscalationRule, error) {
	defer r.m.lock()()
	return r.list(true), nil
}

func (r memRules) List(ctx context.Context) ([]models.EscalationRule, error) {
	defer r.m.lock()()
	return r.list(false), nil
}

func (r memRules) Get(ctx context.Context, id uuid.UUID) (models.EscalationRule, error) {
	defer r.m.lock()()
	rule, ok := r.m.d().rules[id]
	if !ok {
		return models.EscalationRule{}, apperr.NotFound("store.rules.get", "rule %s not found", id)
	}
	return rule.Clone(), nil
}

func (r memRules) Create(ctx context.Context, rule models.EscalationRule) error {
	defer r.m.lock()()
	if _, exists := r.m.d().rules[rule.ID]; exists {
		return apperr.BusinessRule("store.rules.create", "rule %s already exists", rule.ID)
	}
	r.m.d().rules[rule.ID] = rule.Clone()
	return nil
}

func (r memRules) Update(ctx context.Context, rule models.EscalationRule) error {
	defer r.m.lock()()
	if _, ok := r.m.d().rules[rule.ID]; !ok {
		return apperr.NotFound("store.rules.update", "rule %s not found", rule.ID)
	}
	r.m.d().rules[rule.ID] = rule.Clone()
	return nil
}

func (r memRules) RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer r.m.lock()()
	rule, ok := r.m.d().rules[id]
	if !ok {
		return apperr.NotFound("store.rules.trigger", "rule %s not found", id)
	}
	rule.TriggerCount++
	rule.LastTriggeredAt = &at
	r.m.d().rules[id] = rule
	return nil
}

// SortRules orders rules by ascending priority, then creation time, then id
func SortRules(rules []models.EscalationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

type memResponders struct{ m *Memory }

func (r memResponders) ListActive(ctx context.Context, typ models.AssigneeType) ([]models.Responder, error) {
	defer r.m.lock()()
	var out []models.Responder
	for _, resp := range r.sorted() {
		if resp.Type == typ && resp.Status == models.ResponderActive {
			out = append(out, resp)
		}
	}
	return out, nil
}

func (r memResponders) List(ctx context.Context) ([]models.Responder, error) {
	defer r.m.lock()()
	return r.sorted(), nil
}

func (r memResponders) sorted() []models.Responder {
	out := make([]models.Responder, 0, len(r.m.d().responders))
	for _, resp := range r.m.d().responders {
		out = append(out, resp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r memResponders) Create(ctx context.Context, resp models.Responder) error {
	defer r.m.lock()()
	r.m.d().responders[resp.ID] = resp
	return nil
}

type memNotifications struct{ m *Memory }

func (r memNotifications) Save(ctx context.Context, n models.Notification) error {
	defer r.m.lock()()
	r.m.d().notifications[n.ID] = n
	return nil
}

func (r memNotifications) Pending(ctx context.Context, limit int) ([]models.Notification, error) {
	defer r.m.lock()()
	var out []models.Notification
	for _, n := range r.m.d().notifications {
		if n.Status == models.NotificationPending {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memNotifications) CountPending(ctx context.Context) (int, error) {
	defer r.m.lock()()
	n := 0
	for _, notif := range r.m.d().notifications {
		if notif.Status == models.NotificationPending {
			n++
		}
	}
	return n, nil
}

type memActivity struct{ m *Memory }

func (r memActivity) Log(ctx context.Context, a models.ActivityLog) error {
	defer r.m.lock()()
	r.m.d().activity = append(r.m.d().activity, a)
	return nil
}

func (r memActivity) ByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]models.ActivityLog, error) {
	defer r.m.lock()()
	var out []models.ActivityLog
	for i := len(r.m.d().activity) - 1; i >= 0; i-- {
		a := r.m.d().activity[i]
		if a.IncidentID != incidentID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r memActivity) Recent(ctx context.Context, limit int) ([]models.ActivityLog, error) {
	defer r.m.lock()()
	var out []models.ActivityLog
	for i := len(r.m.d().activity) - 1; i >= 0; i-- {
		out = append(out, r.m.d().activity[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
