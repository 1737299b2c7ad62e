package app

import (
	"net/http"
	"time"

	"github.com/communitywatch/incident-server/internal/handlers"
	"github.com/communitywatch/incident-server/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router builds the HTTP routes
func (a *App) Router(logger *zap.Logger) http.Handler {
	sugar := logger.Sugar()

	ussdHandler := handlers.NewUSSDHandler(a.USSD, sugar)
	incidentHandler := handlers.NewIncidentHandler(a.Ingestion, a.Incidents, sugar)
	adminHandler := handlers.NewAdminHandler(a.Incidents, a.Escalation, a.Dedup, a.Rules, a.Scheduler, sugar)
	activityHandler := handlers.NewActivityHandler(a.Activity, sugar)
	healthHandler := handlers.NewHealthHandler(a.Store, a.Notifier, sugar)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.StripIPHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	// The gateway has its own per-phone limit inside the session service.
	r.Post("/ussd", ussdHandler.Callback)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Check)
		r.Get("/health/ready", healthHandler.Ready)

		r.Route("/incidents", func(r chi.Router) {
			r.Use(middleware.RateLimit(a.Limiter, a.Config.RateLimitRPM, sugar))
			r.Post("/", incidentHandler.Submit)
			r.Get("/{id}", incidentHandler.Get)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAuth(a.Config.JWTSecret))

		r.Get("/incidents", incidentHandler.List)
		r.Route("/incidents/{id}", func(r chi.Router) {
			r.Get("/", incidentHandler.Detail)
			r.Patch("/status", adminHandler.UpdateStatus)
			r.Post("/escalate", adminHandler.Escalate)
			r.Post("/evaluate", adminHandler.Reevaluate)
			r.Post("/merge", adminHandler.Merge)
			r.Get("/duplicates", adminHandler.Duplicates)
			r.Get("/activity", activityHandler.ByIncident)
		})
		r.Get("/clusters", adminHandler.Clusters)
		r.Get("/activity/recent", activityHandler.Recent)

		r.Get("/rules", adminHandler.ListRules)
		r.Post("/rules", adminHandler.CreateRule)
		r.Post("/rules/{id}/activate", adminHandler.ActivateRule)
		r.Post("/rules/{id}/deactivate", adminHandler.DeactivateRule)

		r.Get("/responders", adminHandler.ListResponders)
		r.Post("/responders", adminHandler.CreateResponder)

		r.Post("/jobs/{name}/run", adminHandler.RunJob)

		r.Get("/stats/trends", adminHandler.Trends)
		r.Get("/stats/types", adminHandler.Types)
	})

	return r
}
