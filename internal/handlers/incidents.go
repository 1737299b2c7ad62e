package handlers

import (
	"net/http"
	"strings"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/services"
	"go.uber.org/zap"
)

// IncidentHandler handles incident submission and lookup. The public
// endpoints only return redacted incidents.
type IncidentHandler struct {
	ingest    *services.IngestionService
	incidents *services.IncidentService
	logger    *zap.SugaredLogger
}

// NewIncidentHandler creates a new incident handler
func NewIncidentHandler(ingest *services.IngestionService, incidents *services.IncidentService, logger *zap.SugaredLogger) *IncidentHandler {
	return &IncidentHandler{ingest: ingest, incidents: incidents, logger: logger}
}

// Submit handles POST /api/v1/incidents
func (h *IncidentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var report services.APIReport
	if !decodeJSON(w, r, &report) {
		return
	}

	res, err := h.ingest.SubmitAPI(r.Context(), report, r.Header.Get("Accept-Language"))
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to submit incident")
		return
	}
	res.Incident = res.Incident.Redacted()
	res.Escalation.Incident = res.Escalation.Incident.Redacted()
	respondJSON(w, http.StatusCreated, res)
}

// Get handles GET /api/v1/incidents/{id}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if inc, ok := h.fetch(w, r); ok {
		respondJSON(w, http.StatusOK, inc.Redacted())
	}
}

// Detail handles GET /admin/incidents/{id}
func (h *IncidentHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if inc, ok := h.fetch(w, r); ok {
		respondJSON(w, http.StatusOK, inc)
	}
}

func (h *IncidentHandler) fetch(w http.ResponseWriter, r *http.Request) (models.Incident, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return models.Incident{}, false
	}
	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to fetch incident")
		return models.Incident{}, false
	}
	return inc, true
}

// List handles GET /admin/incidents
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "since and until must be RFC 3339 timestamps")
		return
	}
	list, err := h.incidents.List(r.Context(), f)
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to list incidents")
		return
	}
	if list == nil {
		list = []models.Incident{}
	}
	respondJSON(w, http.StatusOK, list)
}

// parseFilter reads comma-separated type, severity and status lists plus
// state, lga, since, until and limit from the query string
func parseFilter(r *http.Request) (models.IncidentFilter, bool) {
	q := r.URL.Query()
	since, ok1 := queryTime(r, "since")
	until, ok2 := queryTime(r, "until")
	f := models.IncidentFilter{
		Types:      splitList[models.IncidentType](q.Get("type")),
		Severities: splitList[models.Severity](q.Get("severity")),
		Statuses:   splitList[models.Status](q.Get("status")),
		State:      q.Get("state"),
		LGA:        q.Get("lga"),
		Since:      since,
		Until:      until,
		Limit:      queryInt(r, "limit", 100),
	}
	return f, ok1 && ok2
}

func splitList[T ~string](raw string) []T {
	if raw == "" {
		return nil
	}
	var out []T
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, T(p))
		}
	}
	return out
}
