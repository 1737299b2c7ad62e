package handlers

import (
	"net/http"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/services"
	"go.uber.org/zap"
)

// ActivityHandler handles activity log endpoints
type ActivityHandler struct {
	svc    *services.ActivityLogService
	logger *zap.SugaredLogger
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(svc *services.ActivityLogService, logger *zap.SugaredLogger) *ActivityHandler {
	return &ActivityHandler{svc: svc, logger: logger}
}

// ByIncident handles GET /admin/incidents/{id}/activity
func (h *ActivityHandler) ByIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	logs, err := h.svc.FetchByIncident(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to fetch logs")
		return
	}
	if logs == nil {
		logs = []models.ActivityLog{}
	}

	respondJSON(w, http.StatusOK, logs)
}

// Recent handles GET /admin/activity/recent
func (h *ActivityHandler) Recent(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.FetchRecent(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondAppError(w, h.logger, err, "Failed to fetch recent activity")
		return
	}
	if logs == nil {
		logs = []models.ActivityLog{}
	}

	respondJSON(w, http.StatusOK, logs)
}
