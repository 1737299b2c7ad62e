package services

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/lock"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/ratelimit"
	"github.com/communitywatch/incident-server/internal/seed"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// base is a Monday, 10:00 UTC
var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// dispatchRecorder collects notifications instead of sending them
type dispatchRecorder struct {
	mu    sync.Mutex
	notes []models.Notification
}

func (d *dispatchRecorder) Dispatch(_ context.Context, n models.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notes = append(d.notes, n)
}

func (d *dispatchRecorder) all() []models.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Notification(nil), d.notes...)
}

type testEnv struct {
	store      *store.Memory
	clock      *clock.Fake
	cfg        *config.Config
	dispatched *dispatchRecorder
	logger     *zap.SugaredLogger

	activity   *ActivityLogService
	incidents  *IncidentService
	dedup      *DedupService
	confidence *ConfidenceService
	escalation *EscalationService
	ingestion  *IngestionService
	ussd       *USSDService
	rules      *RuleService
}

func testConfig() *config.Config {
	return &config.Config{
		USSD: config.USSDConfig{
			SessionTimeout:   120 * time.Second,
			MaxMessageLength: 182,
			RateLimitWindow:  time.Minute,
			SessionRetention: 24 * time.Hour,
		},
		Dedup: config.DedupConfig{
			Threshold:     60,
			Window:        time.Hour,
			MaxCandidates: 100,
			MaxResults:    5,
		},
		SMS: config.SMSConfig{
			MaxAttempts:  3,
			Timeout:      time.Second,
			RetryBackoff: time.Millisecond,
			Workers:      1,
			QueueSize:    16,
		},
		Escalation: config.EscalationConfig{
			FallbackName:  "Desk",
			FallbackPhone: "+2348000000000",
			FallbackOrg:   "Community Watch",
		},
		CountryCode: "234",
		Location:    time.UTC,
	}
}

// newTestEnv builds the services over an in-memory store. mutate may adjust
// the configuration first.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	e := &testEnv{
		store:      store.NewMemory(),
		clock:      clock.NewFake(base),
		cfg:        cfg,
		dispatched: &dispatchRecorder{},
		logger:     zap.NewNop().Sugar(),
	}
	responders := NewResponderLookup(rand.New(rand.NewSource(1)), models.Responder{
		Name:         cfg.Escalation.FallbackName,
		Phone:        cfg.Escalation.FallbackPhone,
		Organization: cfg.Escalation.FallbackOrg,
	})

	e.activity = NewActivityLogService(e.store, e.clock, e.logger)
	e.incidents = NewIncidentService(e.store, e.activity, e.clock, e.logger)
	e.dedup = NewDedupService(e.store, e.activity, e.clock, cfg.Dedup, e.logger)
	e.confidence = NewConfidenceService(e.store, e.activity, e.clock, cfg.Location, e.logger)
	e.escalation = NewEscalationService(e.store, e.dispatched, e.activity, responders, e.clock, cfg, nil, e.logger)
	e.ingestion = NewIngestionService(e.store, e.dedup, e.confidence, e.escalation, e.activity, e.clock, cfg.CountryCode, nil, e.logger)
	e.ussd = NewUSSDService(e.store, e.ingestion, nil, lock.NewMemory(), e.clock, cfg, nil, e.logger)
	e.rules = NewRuleService(e.store, e.clock, cfg.CountryCode, e.logger)
	return e
}

// withLimiter replaces the USSD service with one limited to max turns per
// window
func (e *testEnv) withLimiter(max int) {
	e.cfg.USSD.RateLimitMax = max
	e.ussd = NewUSSDService(e.store, e.ingestion, ratelimit.NewMemory(e.clock), lock.NewMemory(), e.clock, e.cfg, nil, e.logger)
}

// seedDefaults loads the built-in rules and responders
func (e *testEnv) seedDefaults(t *testing.T) {
	t.Helper()
	set, err := seed.Defaults()
	require.NoError(t, err)
	_, err = seed.Apply(context.Background(), e.store, set, base.Add(-time.Hour))
	require.NoError(t, err)
}

func (e *testEnv) create(t *testing.T, inc models.Incident) models.Incident {
	t.Helper()
	require.NoError(t, e.store.Incidents().Create(context.Background(), inc))
	return inc
}

func (e *testEnv) get(t *testing.T, id uuid.UUID) models.Incident {
	t.Helper()
	inc, err := e.store.Incidents().Get(context.Background(), id)
	require.NoError(t, err)
	return inc
}

func newIncident(typ models.IncidentType, sev models.Severity, at time.Time) models.Incident {
	return models.Incident{
		ID:        uuid.New(),
		Channel:   models.ChannelAPI,
		Type:      typ,
		Severity:  sev,
		Status:    models.StatusReceived,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func gps(inc models.Incident, lat, lon float64) models.Incident {
	inc.Location.Latitude = models.FloatPtr(lat)
	inc.Location.Longitude = models.FloatPtr(lon)
	return inc
}

func place(inc models.Incident, village, lga, state string) models.Incident {
	inc.Location.Village = village
	inc.Location.LGA = lga
	inc.Location.State = state
	return inc
}
