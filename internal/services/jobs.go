package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job names
const (
	JobRescore     = "rescore"
	JobPurge       = "purge_sessions"
	JobExpire      = "expire_alerts"
	JobFlushOutbox = "flush_outbox"
)

var (
	// ErrJobRunning is returned when a job is started while a run is in progress
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned by RunNow for unregistered names
	ErrUnknownJob = errors.New("unknown job")
)

// jobTimeout bounds a single run of any job
const jobTimeout = 10 * time.Minute

// JobFunc runs one pass of a background job and returns how many records it
// changed
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name string
	spec string
	fn   JobFunc
	mu   sync.Mutex
}

// Scheduler runs the batch jobs on cron schedules. A job never overlaps
// with itself, whether started by cron or by RunNow.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*job
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// JobDeps are the services the built-in jobs call
type JobDeps struct {
	Confidence *ConfidenceService
	USSD       *USSDService
	Incidents  *IncidentService
	Notifier   *Notifier
}

// NewScheduler registers the rescore, purge, expiry and outbox jobs
func NewScheduler(cfg config.JobsConfig, loc *time.Location, deps JobDeps, m *metrics.Metrics, logger *zap.SugaredLogger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger})),
		jobs:    make(map[string]*job),
		metrics: m,
		logger:  logger,
	}

	s.Register(JobRescore, cfg.RescoreSpec, func(ctx context.Context) (int, error) {
		return deps.Confidence.BatchUpdateScores(ctx, cfg.RescoreWindow)
	})
	s.Register(JobPurge, cfg.CleanupSpec, deps.USSD.PurgeStaleSessions)
	s.Register(JobExpire, cfg.ExpirySpec, func(ctx context.Context) (int, error) {
		return deps.Incidents.ExpireStale(ctx, cfg.AlertExpiry)
	})
	s.Register(JobFlushOutbox, cfg.OutboxSpec, deps.Notifier.FlushOutbox)
	return s
}

// Register adds a job. An empty spec registers it for RunNow only.
func (s *Scheduler) Register(name, spec string, fn JobFunc) {
	s.jobs[name] = &job{name: name, spec: spec, fn: fn}
}

// Names returns the registered job names, sorted
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start schedules every job with a spec and starts the cron loop
func (s *Scheduler) Start() error {
	for _, j := range s.jobs {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() {
			if _, err := s.run(context.Background(), j); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.Errorw("Scheduled job failed", "job", j.name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule job %s (%q): %w", j.name, j.spec, err)
		}
	}
	s.cron.Start()
	s.logger.Infow("Scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop stops scheduling and waits for running jobs to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("Scheduler stopped")
}

// RunNow runs a job immediately. It fails if the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (int, error) {
	if !j.mu.TryLock() {
		s.logger.Infow("Job still running, skipping", "job", j.name)
		return 0, ErrJobRunning
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := j.fn(ctx)
	s.metrics.JobRun(j.name, err)
	if err != nil {
		return n, err
	}
	s.logger.Infow("Job complete", "job", j.name, "changed", n, "duration", time.Since(start))
	return n, nil
}

// cronLogger routes cron's internal logging through zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
