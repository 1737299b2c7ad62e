package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL implementation of store.Store
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewStore creates a store backed by pool
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx runs fn in a transaction. Nested calls join the enclosing one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{pool: s.pool, q: tx, inTx: true})
	})
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperr.Transient("database.ping", err)
	}
	return nil
}

func (s *Store) Incidents() store.IncidentRepository         { return incidents{s.q} }
func (s *Store) Sessions() store.SessionRepository           { return sessions{s.q} }
func (s *Store) Rules() store.RuleRepository                 { return rules{s.q} }
func (s *Store) Responders() store.ResponderRepository       { return responders{s.q} }
func (s *Store) Notifications() store.NotificationRepository { return notifications{s.q} }
func (s *Store) Activity() store.ActivityRepository          { return activity{s.q} }

// classify maps driver errors onto apperr kinds. Failures that never reached
// the server are treated as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "record not found")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return apperr.BusinessRule(op, "record already exists")
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return apperr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Transient(op, err)
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uuidArg(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func uuidPtr(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}

// ---- incidents ----

var incidentColumns = []string{
	"id", "channel", "reporter_phone", "reporter_anonymous", "callback_consent",
	"incident_type", "severity", "latitude", "longitude", "accuracy_m",
	"cell_tower_id", "state", "lga", "village", "geohash",
	"description", "description_language", "photo_refs", "audio_refs",
	"confidence_score", "deduplication_score", "source_reliability",
	"status", "escalation_level", "rules_triggered",
	"assignee_type", "assignee_name", "assignee_phone", "assignee_org", "escalated_at",
	"first_responder", "response_time_min", "arrived_at", "resolution", "resolved_at",
	"merged_into", "created_at", "updated_at",
}

var incidentSelect = "SELECT " + strings.Join(incidentColumns, ", ") + " FROM incidents"

func incidentArgs(inc models.Incident) []any {
	return []any{
		inc.ID, string(inc.Channel), inc.Reporter.Phone, inc.Reporter.Anonymous, inc.Reporter.CallbackConsent,
		string(inc.Type), string(inc.Severity), inc.Location.Latitude, inc.Location.Longitude, inc.Location.AccuracyM,
		inc.Location.CellTowerID, inc.Location.State, inc.Location.LGA, inc.Location.Village, inc.Location.Geohash,
		inc.Description.Text, inc.Description.Language, nonNil(inc.Description.PhotoRefs), nonNil(inc.Description.AudioRefs),
		inc.Confidence.Score, inc.Confidence.DeduplicationScore, inc.Confidence.SourceReliability,
		string(inc.Status), inc.Escalation.Level, nonNil(inc.Escalation.RulesTriggered),
		string(inc.Escalation.AssigneeType), inc.Escalation.AssigneeName, inc.Escalation.AssigneePhone, inc.Escalation.AssigneeOrg, inc.Escalation.EscalatedAt,
		inc.Response.FirstResponder, inc.Response.ResponseTimeMin, inc.Response.ArrivedAt, inc.Response.Resolution, inc.Response.ResolvedAt,
		uuidArg(inc.MergedInto), inc.CreatedAt, inc.UpdatedAt,
	}
}

func scanIncident(row pgx.Row) (models.Incident, error) {
	var (
		inc    models.Incident
		merged pgtype.UUID

		channel, typ, severity, status, assigneeType string
	)
	err := row.Scan(
		&inc.ID, &channel, &inc.Reporter.Phone, &inc.Reporter.Anonymous, &inc.Reporter.CallbackConsent,
		&typ, &severity, &inc.Location.Latitude, &inc.Location.Longitude, &inc.Location.AccuracyM,
		&inc.Location.CellTowerID, &inc.Location.State, &inc.Location.LGA, &inc.Location.Village, &inc.Location.Geohash,
		&inc.Description.Text, &inc.Description.Language, &inc.Description.PhotoRefs, &inc.Description.AudioRefs,
		&inc.Confidence.Score, &inc.Confidence.DeduplicationScore, &inc.Confidence.SourceReliability,
		&status, &inc.Escalation.Level, &inc.Escalation.RulesTriggered,
		&assigneeType, &inc.Escalation.AssigneeName, &inc.Escalation.AssigneePhone, &inc.Escalation.AssigneeOrg, &inc.Escalation.EscalatedAt,
		&inc.Response.FirstResponder, &inc.Response.ResponseTimeMin, &inc.Response.ArrivedAt, &inc.Response.Resolution, &inc.Response.ResolvedAt,
		&merged, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		return models.Incident{}, err
	}
	inc.Channel = models.Channel(channel)
	inc.Type = models.IncidentType(typ)
	inc.Severity = models.Severity(severity)
	inc.Status = models.Status(status)
	inc.Escalation.AssigneeType = models.AssigneeType(assigneeType)
	inc.MergedInto = uuidPtr(merged)
	return inc, nil
}

// incidentQuery builds the SELECT for f
func incidentQuery(f models.IncidentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if f.ExcludeID != uuid.Nil {
		add("id <> ?", f.ExcludeID)
	}
	if len(f.Types) > 0 {
		add("incident_type = ANY(?)", strs(f.Types))
	}
	if len(f.Severities) > 0 {
		add("severity = ANY(?)", strs(f.Severities))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY(?)", strs(f.Statuses))
	}
	if len(f.ExcludeStatus) > 0 {
		add("NOT (status = ANY(?))", strs(f.ExcludeStatus))
	}
	if f.State != "" {
		add("state = ?", f.State)
	}
	if f.LGA != "" {
		add("lga = ?", f.LGA)
	}
	if f.ReporterPhone != "" {
		add("reporter_phone = ?", f.ReporterPhone)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= ?", f.Until)
	}

	var b strings.Builder
	b.WriteString(incidentSelect)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

type incidents struct{ q querier }

func (r incidents) Create(ctx context.Context, inc models.Incident) error {
	sql := "INSERT INTO incidents (" + strings.Join(incidentColumns, ", ") + ") VALUES (" +
		placeholders(1, len(incidentColumns)) + ")"
	_, err := r.q.Exec(ctx, sql, incidentArgs(inc)...)
	return classify("database.incidents.create", err)
}

func (r incidents) Get(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	inc, err := scanIncident(r.q.QueryRow(ctx, incidentSelect+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Incident{}, apperr.NotFound("database.incidents.get", "incident %s not found", id)
	}
	return inc, classify("database.incidents.get", err)
}

func (r incidents) GetForUpdate(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	inc, err := scanIncident(r.q.QueryRow(ctx, incidentSelect+" WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Incident{}, apperr.NotFound("database.incidents.get", "incident %s not found", id)
	}
	return inc, classify("database.incidents.get", err)
}

// incidentUpdate rewrites every column but refuses to lower escalation_level
var incidentUpdate = func() string {
	sets := make([]string, 0, len(incidentColumns)-1)
	level := 0
	for i, col := range incidentColumns[1:] {
		sets = append(sets, col+" = $"+strconv.Itoa(i+2))
		if col == "escalation_level" {
			level = i + 2
		}
	}
	return "UPDATE incidents SET " + strings.Join(sets, ", ") +
		" WHERE id = $1 AND escalation_level <= $" + strconv.Itoa(level)
}()

func (r incidents) Update(ctx context.Context, inc models.Incident) error {
	const op = "database.incidents.update"
	tag, err := r.q.Exec(ctx, incidentUpdate, incidentArgs(inc)...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var level int
	err = r.q.QueryRow(ctx, "SELECT escalation_level FROM incidents WHERE id = $1", inc.ID).Scan(&level)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "incident %s not found", inc.ID)
	}
	if err != nil {
		return classify(op, err)
	}
	return apperr.BusinessRule(op, "incident %s is at level %d, refusing level %d", inc.ID, level, inc.Escalation.Level)
}

func (r incidents) Query(ctx context.Context, f models.IncidentFilter) ([]models.Incident, error) {
	const op = "database.incidents.query"
	sql, args := incidentQuery(f)
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, inc)
	}
	return out, classify(op, rows.Err())
}

// ---- sessions ----

type sessions struct{ q querier }

func (r sessions) Get(ctx context.Context, sessionID string) (models.UssdSession, error) {
	const op = "database.sessions.get"
	var (
		s           models.UssdSession
		lang, state string
		draft       []byte
		incidentID  pgtype.UUID
	)
	err := r.q.QueryRow(ctx, `
		SELECT session_id, phone_number, language, state, draft, last_activity, incident_id, created_at
		FROM ussd_sessions WHERE session_id = $1`, sessionID,
	).Scan(&s.SessionID, &s.PhoneNumber, &lang, &state, &draft, &s.LastActivity, &incidentID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UssdSession{}, apperr.NotFound(op, "session %s not found", sessionID)
	}
	if err != nil {
		return models.UssdSession{}, classify(op, err)
	}
	if err := json.Unmarshal(draft, &s.Draft); err != nil {
		return models.UssdSession{}, fmt.Errorf("%s: decode draft: %w", op, err)
	}
	s.Language = models.Language(lang)
	s.State = models.UssdState(state)
	s.IncidentID = uuidPtr(incidentID)
	return s, nil
}

func (r sessions) Save(ctx context.Context, s models.UssdSession) error {
	draft, err := json.Marshal(s.Draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO ussd_sessions (session_id, phone_number, language, state, draft, last_activity, incident_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			language = EXCLUDED.language,
			state = EXCLUDED.state,
			draft = EXCLUDED.draft,
			last_activity = EXCLUDED.last_activity,
			incident_id = EXCLUDED.incident_id`,
		s.SessionID, s.PhoneNumber, string(s.Language), string(s.State), draft, s.LastActivity, uuidArg(s.IncidentID), s.CreatedAt,
	)
	return classify("database.sessions.save", err)
}

func (r sessions) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.q.Exec(ctx,
		"DELETE FROM ussd_sessions WHERE state <> $1 AND last_activity < $2",
		string(models.UssdCompleted), cutoff,
	)
	if err != nil {
		return 0, classify("database.sessions.delete_stale", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- rules ----

const ruleSelect = `SELECT id, name, priority, active, conditions, action, cooldown_minutes,
	last_triggered_at, trigger_count, created_at FROM escalation_rules`

func scanRule(row pgx.Row) (models.EscalationRule, error) {
	var (
		rule               models.EscalationRule
		conditions, action []byte
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Priority, &rule.Active, &conditions, &action,
		&rule.CooldownMinutes, &rule.LastTriggeredAt, &rule.TriggerCount, &rule.CreatedAt); err != nil {
		return models.EscalationRule{}, err
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return models.EscalationRule{}, fmt.Errorf("decode rule %s conditions: %w", rule.ID, err)
	}
	if err := json.Unmarshal(action, &rule.Action); err != nil {
		return models.EscalationRule{}, fmt.Errorf("decode rule %s action: %w", rule.ID, err)
	}
	return rule, nil
}

type rules struct{ q querier }

func (r rules) list(ctx context.Context, op, where string) ([]models.EscalationRule, error) {
	rows, err := r.q.Query(ctx, ruleSelect+where+" ORDER BY priority ASC, created_at ASC, id ASC")
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.EscalationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rule)
	}
	return out, classify(op, rows.Err())
}

func (r rules) ListActive(ctx context.Context) ([]models.EscalationRule, error) {
	return r.list(ctx, "database.rules.list_active", " WHERE active")
}

func (r rules) List(ctx context.Context) ([]models.EscalationRule, error) {
	return r.list(ctx, "database.rules.list", "")
}

func (r rules) Get(ctx context.Context, id uuid.UUID) (models.EscalationRule, error) {
	rule, err := scanRule(r.q.QueryRow(ctx, ruleSelect+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EscalationRule{}, apperr.NotFound("database.rules.get", "rule %s not found", id)
	}
	return rule, classify("database.rules.get", err)
}

func ruleJSON(rule models.EscalationRule) ([]byte, []byte, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode rule conditions: %w", err)
	}
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return nil, nil, fmt.Errorf("encode rule action: %w", err)
	}
	return conditions, action, nil
}

func (r rules) Create(ctx context.Context, rule models.EscalationRule) error {
	conditions, action, err := ruleJSON(rule)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO escalation_rules (id, name, priority, active, conditions, action, cooldown_minutes,
			last_triggered_at, trigger_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rule.ID, rule.Name, rule.Priority, rule.Active, conditions, action, rule.CooldownMinutes,
		rule.LastTriggeredAt, rule.TriggerCount, rule.CreatedAt,
	)
	return classify("database.rules.create", err)
}

func (r rules) Update(ctx context.Context, rule models.EscalationRule) error {
	conditions, action, err := ruleJSON(rule)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE escalation_rules SET name = $2, priority = $3, active = $4, conditions = $5, action = $6,
			cooldown_minutes = $7, last_triggered_at = $8, trigger_count = $9
		WHERE id = $1`,
		rule.ID, rule.Name, rule.Priority, rule.Active, conditions, action,
		rule.CooldownMinutes, rule.LastTriggeredAt, rule.TriggerCount,
	)
	if err != nil {
		return classify("database.rules.update", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("database.rules.update", "rule %s not found", rule.ID)
	}
	return nil
}

func (r rules) RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.q.Exec(ctx,
		"UPDATE escalation_rules SET trigger_count = trigger_count + 1, last_triggered_at = $2 WHERE id = $1",
		id, at,
	)
	if err != nil {
		return classify("database.rules.trigger", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("database.rules.trigger", "rule %s not found", id)
	}
	return nil
}

// ---- responders ----

type responders struct{ q querier }

func (r responders) list(ctx context.Context, op, where string, args ...any) ([]models.Responder, error) {
	rows, err := r.q.Query(ctx,
		"SELECT id, name, organization, phone, type, status, state, lga FROM responders"+where+" ORDER BY id ASC",
		args...,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.Responder
	for rows.Next() {
		var (
			resp        models.Responder
			typ, status string
		)
		if err := rows.Scan(&resp.ID, &resp.Name, &resp.Organization, &resp.Phone, &typ, &status, &resp.State, &resp.LGA); err != nil {
			return nil, classify(op, err)
		}
		resp.Type = models.AssigneeType(typ)
		resp.Status = models.ResponderStatus(status)
		out = append(out, resp)
	}
	return out, classify(op, rows.Err())
}

func (r responders) ListActive(ctx context.Context, typ models.AssigneeType) ([]models.Responder, error) {
	return r.list(ctx, "database.responders.list_active", " WHERE type = $1 AND status = $2",
		string(typ), string(models.ResponderActive))
}

func (r responders) List(ctx context.Context) ([]models.Responder, error) {
	return r.list(ctx, "database.responders.list", "")
}

func (r responders) Create(ctx context.Context, resp models.Responder) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO responders (id, name, organization, phone, type, status, state, lga)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			organization = EXCLUDED.organization,
			phone = EXCLUDED.phone,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			lga = EXCLUDED.lga`,
		resp.ID, resp.Name, resp.Organization, resp.Phone, string(resp.Type), string(resp.Status), resp.State, resp.LGA,
	)
	return classify("database.responders.create", err)
}

// ---- notifications ----

type notifications struct{ q querier }

func (r notifications) Save(ctx context.Context, n models.Notification) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO notifications (id, incident_id, phone, message, status, attempts, last_error, message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			message_id = EXCLUDED.message_id,
			updated_at = EXCLUDED.updated_at`,
		n.ID, n.IncidentID, n.Phone, n.Message, string(n.Status), n.Attempts, n.LastError, n.MessageID, n.CreatedAt, n.UpdatedAt,
	)
	return classify("database.notifications.save", err)
}

func (r notifications) Pending(ctx context.Context, limit int) ([]models.Notification, error) {
	const op = "database.notifications.pending"
	rows, err := r.q.Query(ctx, `
		SELECT id, incident_id, phone, message, status, attempts, last_error, message_id, created_at, updated_at
		FROM notifications WHERE status = $1
		ORDER BY created_at ASC
		LIMIT NULLIF($2::int, 0)`,
		string(models.NotificationPending), limit,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n      models.Notification
			status string
		)
		if err := rows.Scan(&n.ID, &n.IncidentID, &n.Phone, &n.Message, &status, &n.Attempts,
			&n.LastError, &n.MessageID, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, classify(op, err)
		}
		n.Status = models.NotificationStatus(status)
		out = append(out, n)
	}
	return out, classify(op, rows.Err())
}

func (r notifications) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, "SELECT COUNT(*) FROM notifications WHERE status = $1",
		string(models.NotificationPending)).Scan(&n)
	return n, classify("database.notifications.count_pending", err)
}

// ---- activity ----

type activity struct{ q querier }

func (r activity) Log(ctx context.Context, a models.ActivityLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO activity_logs (id, incident_id, activity_type, description, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.IncidentID, a.ActivityType, a.Description, a.Actor, a.CreatedAt,
	)
	return classify("database.activity.log", err)
}

func (r activity) list(ctx context.Context, op, where string, args ...any) ([]models.ActivityLog, error) {
	rows, err := r.q.Query(ctx,
		"SELECT id, incident_id, activity_type, description, actor, created_at FROM activity_logs"+where,
		args...,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.ActivityLog
	for rows.Next() {
		var a models.ActivityLog
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.ActivityType, &a.Description, &a.Actor, &a.CreatedAt); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, a)
	}
	return out, classify(op, rows.Err())
}

func (r activity) ByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]models.ActivityLog, error) {
	return r.list(ctx, "database.activity.by_incident",
		" WHERE incident_id = $1 ORDER BY created_at DESC LIMIT NULLIF($2::int, 0)",
		incidentID, limit)
}

func (r activity) Recent(ctx context.Context, limit int) ([]models.ActivityLog, error) {
	return r.list(ctx, "database.activity.recent",
		" ORDER BY created_at DESC LIMIT NULLIF($1::int, 0)", limit)
}
