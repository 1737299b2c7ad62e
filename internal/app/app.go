// Package app wires configuration, storage and services into a running
// incident server. Both the HTTP server and the operations CLI build on it.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/database"
	"github.com/communitywatch/incident-server/internal/lock"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/ratelimit"
	"github.com/communitywatch/incident-server/internal/seed"
	"github.com/communitywatch/incident-server/internal/services"
	"github.com/communitywatch/incident-server/internal/sms"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// JobSweepLimits prunes the in-process rate limiter when Redis is absent
const JobSweepLimits = "sweep_rate_limits"

// App is the assembled server
type App struct {
	Config   *config.Config
	Store    store.Store
	Clock    clock.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Limiter  ratelimit.Limiter

	Activity   *services.ActivityLogService
	Incidents  *services.IncidentService
	Dedup      *services.DedupService
	Confidence *services.ConfidenceService
	Escalation *services.EscalationService
	Ingestion  *services.IngestionService
	USSD       *services.USSDService
	Rules      *services.RuleService
	Notifier   *services.Notifier
	Scheduler  *services.Scheduler

	pool   *pgxpool.Pool
	redis  *redis.Client
	logger *zap.SugaredLogger
}

// Options override pieces of the default wiring, mainly for tests
type Options struct {
	Store  store.Store
	Clock  clock.Clock
	Sender sms.Sender
	// NoRedis keeps rate limiting and session locks in process.
	NoRedis bool
}

// New connects to PostgreSQL when DATABASE_URL is set (in-memory otherwise)
// and to Redis when reachable, then builds every service
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.SugaredLogger) (*App, error) {
	a := &App{Config: cfg, Clock: opts.Clock, logger: logger}
	if a.Clock == nil {
		a.Clock = clock.System{}
	}

	a.Store = opts.Store
	if a.Store == nil {
		st, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		a.Store = st
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	var (
		limiter ratelimit.Limiter
		locker  lock.Locker
		memRL   *ratelimit.Memory
	)
	if !opts.NoRedis {
		a.redis = a.connectRedis(ctx)
	}
	if a.redis != nil {
		limiter = ratelimit.NewRedis(a.redis, "incident:rl:")
		locker = lock.NewFailOpen(lock.NewRedis(a.redis, "incident:lock:", 10*time.Second), a.Metrics, logger)
	} else {
		memRL = ratelimit.NewMemory(a.Clock)
		limiter = memRL
		locker = lock.NewMemory()
	}
	a.Limiter = ratelimit.NewFailOpen(limiter, a.Metrics, logger)

	sender := opts.Sender
	if sender == nil {
		sender = sms.New(cfg.SMS, logger)
	}
	a.Notifier = services.NewNotifier(sender, a.Store, a.Clock, cfg.SMS, a.Metrics, logger)

	responders := services.NewResponderLookup(
		rand.New(rand.NewSource(time.Now().UnixNano())),
		models.Responder{
			Name:         cfg.Escalation.FallbackName,
			Phone:        services.NormalizePhone(cfg.Escalation.FallbackPhone, cfg.CountryCode),
			Organization: cfg.Escalation.FallbackOrg,
			Type:         models.AssigneeCommunityFocal,
			Status:       models.ResponderActive,
		},
	)

	a.Activity = services.NewActivityLogService(a.Store, a.Clock, logger)
	a.Incidents = services.NewIncidentService(a.Store, a.Activity, a.Clock, logger)
	a.Dedup = services.NewDedupService(a.Store, a.Activity, a.Clock, cfg.Dedup, logger)
	a.Confidence = services.NewConfidenceService(a.Store, a.Activity, a.Clock, cfg.Location, logger)
	a.Escalation = services.NewEscalationService(a.Store, a.Notifier, a.Activity, responders, a.Clock, cfg, a.Metrics, logger)
	a.Ingestion = services.NewIngestionService(a.Store, a.Dedup, a.Confidence, a.Escalation, a.Activity, a.Clock, cfg.CountryCode, a.Metrics, logger)
	a.USSD = services.NewUSSDService(a.Store, a.Ingestion, a.Limiter, locker, a.Clock, cfg, a.Metrics, logger)
	a.Rules = services.NewRuleService(a.Store, a.Clock, cfg.CountryCode, logger)

	a.Scheduler = services.NewScheduler(cfg.Jobs, cfg.Location, services.JobDeps{
		Confidence: a.Confidence,
		USSD:       a.USSD,
		Incidents:  a.Incidents,
		Notifier:   a.Notifier,
	}, a.Metrics, logger)
	if memRL != nil {
		window := cfg.USSD.RateLimitWindow
		if window < time.Minute {
			window = time.Minute
		}
		a.Scheduler.Register(JobSweepLimits, "@every 5m", func(ctx context.Context) (int, error) {
			memRL.Sweep(window)
			return 0, nil
		})
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	if a.Config.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), nil
	}
	pool, err := database.NewPool(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	return database.NewStore(pool), nil
}

// connectRedis returns nil when Redis is not configured or not reachable
func (a *App) connectRedis(ctx context.Context) *redis.Client {
	if a.Config.RedisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(a.Config.RedisURL)
	if err != nil {
		a.logger.Warnw("Invalid REDIS_URL, using in-process limiter and locks", "error", err)
		return nil
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.logger.Warnw("Redis unreachable, using in-process limiter and locks", "error", err)
		client.Close()
		return nil
	}
	return client
}

// Migrate applies the database schema. It is a no-op for the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return database.Migrate(ctx, a.pool)
}

// Seed inserts the built-in rules and responders, or those of RULES_FILE
func (a *App) Seed(ctx context.Context, path string) (seed.Result, error) {
	if path == "" {
		path = a.Config.Escalation.RulesFile
	}
	var (
		set seed.Set
		err error
	)
	if path != "" {
		set, err = seed.LoadFile(path)
	} else {
		set, err = seed.Defaults()
	}
	if err != nil {
		return seed.Result{}, err
	}
	res, err := seed.Apply(ctx, a.Store, set, a.Clock.Now())
	if err != nil {
		return seed.Result{}, err
	}
	a.logger.Infow("Seed applied", "rules", res.Rules, "responders", res.Responders)
	return res, nil
}

// Close releases the database pool and Redis client
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
