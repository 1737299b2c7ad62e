package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/communitywatch/incident-server/internal/models"
	"go.uber.org/zap"
)

// Version is reported by the health endpoints
const Version = "1.0.0"

var startTime = time.Now()

// Pinger reports whether the record store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueCounter reports how many notifications wait in the outbox
type QueueCounter interface {
	Queued(ctx context.Context) (int, error)
}

// HealthHandler provides health check endpoints
type HealthHandler struct {
	db     Pinger
	outbox QueueCounter
	logger *zap.SugaredLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger, outbox QueueCounter, logger *zap.SugaredLogger) *HealthHandler {
	return &HealthHandler{db: db, outbox: outbox, logger: logger}
}

// Check handles GET /api/v1/health (liveness probe)
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.HealthStatus{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(startTime).String(),
	})
}

// Ready handles GET /api/v1/health/ready (readiness probe)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warnw("Readiness check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, models.HealthStatus{
			Status:   "not ready",
			Version:  Version,
			Database: "disconnected",
		})
		return
	}

	queued, err := h.outbox.Queued(r.Context())
	if err != nil {
		h.logger.Warnw("Failed to count queued notifications", "error", err)
	}

	respondJSON(w, http.StatusOK, models.HealthStatus{
		Status:   "ready",
		Version:  Version,
		Uptime:   time.Since(startTime).String(),
		Database: "connected",
		Queued:   queued,
	})
}
