package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobRunner runs a named background job on demand
type JobRunner interface {
	RunNow(ctx context.Context, name string) (int, error)
}

// AdminHandler handles the authenticated dispatcher endpoints
type AdminHandler struct {
	incidents  *services.IncidentService
	escalation *services.EscalationService
	dedup      *services.DedupService
	rules      *services.RuleService
	jobs       JobRunner
	logger     *zap.SugaredLogger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	incidents *services.IncidentService,
	escalation *services.EscalationService,
	dedup *services.DedupService,
	rules *services.RuleService,
	jobs JobRunner,
	logger *zap.SugaredLogger,
) *AdminHandler {
	return &AdminHandler{
		incidents:  incidents,
		escalation: escalation,
		dedup:      dedup,
		rules:      rules,
		jobs:       jobs,
		logger:     logger,
	}
}

// UpdateStatus handles PATCH /admin/incidents/{id}/status
func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var u services.StatusUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	u.Actor = actor(r)

	inc, err := h.incidents.UpdateStatus(r.Context(), id, u)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to update status")
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// Escalate handles POST /admin/incidents/{id}/escalate
func (h *AdminHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Level int `json:"level"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	res, err := h.escalation.EscalateToLevel(r.Context(), id, body.Level, actor(r))
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to escalate incident")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Reevaluate handles POST /admin/incidents/{id}/evaluate, running the rule
// engine again against the stored incident
func (h *AdminHandler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.escalation.ProcessIncident(r.Context(), id)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to evaluate incident")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Merge handles POST /admin/incidents/{id}/merge
func (h *AdminHandler) Merge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		SecondaryIDs []uuid.UUID `json:"secondary_ids"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	inc, err := h.dedup.MergeIncidents(r.Context(), id, body.SecondaryIDs, actor(r))
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to merge incidents")
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// Duplicates handles GET /admin/incidents/{id}/duplicates
func (h *AdminHandler) Duplicates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to fetch incident")
		return
	}
	dups, err := h.dedup.FindDuplicates(r.Context(), inc)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to find duplicates")
		return
	}
	if dups == nil {
		dups = []services.Duplicate{}
	}
	respondJSON(w, http.StatusOK, dups)
}

// Clusters handles GET /admin/clusters?window_minutes=N
func (h *AdminHandler) Clusters(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(queryInt(r, "window_minutes", 60)) * time.Minute
	clusters, err := h.dedup.ClusterIncidents(r.Context(), window)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to cluster incidents")
		return
	}
	if clusters == nil {
		clusters = []services.Cluster{}
	}
	respondJSON(w, http.StatusOK, clusters)
}

// ListRules handles GET /admin/rules
func (h *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context())
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to list rules")
		return
	}
	if rules == nil {
		rules = []models.EscalationRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

// CreateRule handles POST /admin/rules
func (h *AdminHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in services.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rule, err := h.rules.CreateRule(r.Context(), in)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to create rule")
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// ActivateRule handles POST /admin/rules/{id}/activate
func (h *AdminHandler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, true)
}

// DeactivateRule handles POST /admin/rules/{id}/deactivate
func (h *AdminHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, false)
}

func (h *AdminHandler) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.rules.SetActive(r.Context(), id, active)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to update rule")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// ListResponders handles GET /admin/responders
func (h *AdminHandler) ListResponders(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.ListResponders(r.Context())
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to list responders")
		return
	}
	if list == nil {
		list = []models.Responder{}
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateResponder handles POST /admin/responders
func (h *AdminHandler) CreateResponder(w http.ResponseWriter, r *http.Request) {
	var in services.ResponderInput
	if !decodeJSON(w, r, &in) {
		return
	}
	resp, err := h.rules.CreateResponder(r.Context(), in)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to create responder")
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// RunJob handles POST /admin/jobs/{name}/run
func (h *AdminHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := h.jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, services.ErrJobRunning):
		respondError(w, http.StatusConflict, "Job already running")
		return
	case errors.Is(err, services.ErrUnknownJob):
		respondError(w, http.StatusNotFound, "Unknown job")
		return
	case err != nil:
		respondAppError(w, h.logger, err, "Job failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"job": name, "changed": n})
}

// Trends handles GET /admin/stats/trends?hours=N
func (h *AdminHandler) Trends(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours > 24*30 {
		hours = 24 * 30
	}
	trends, err := h.incidents.GetTrends(r.Context(), hours)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to fetch trends")
		return
	}
	respondJSON(w, http.StatusOK, trends)
}

// Types handles GET /admin/stats/types?since=RFC3339
func (h *AdminHandler) Types(w http.ResponseWriter, r *http.Request) {
	since, ok := queryTime(r, "since")
	if !ok {
		respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-7 * 24 * time.Hour)
	}
	dist, err := h.incidents.GetTypeDistribution(r.Context(), since)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to fetch type distribution")
		return
	}
	respondJSON(w, http.StatusOK, dist)
}
