package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/sms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(e *testEnv) *Scheduler {
	cfg := config.JobsConfig{RescoreWindow: 24 * time.Hour, AlertExpiry: 72 * time.Hour}
	deps := JobDeps{
		Confidence: e.confidence,
		USSD:       e.ussd,
		Incidents:  e.incidents,
		Notifier:   newNotifier(e, &sms.Recorder{}),
	}
	return NewScheduler(cfg, time.UTC, deps, nil, e.logger)
}

func TestScheduler_Names(t *testing.T) {
	s := newScheduler(newTestEnv(t))
	assert.Equal(t, []string{JobExpire, JobFlushOutbox, JobPurge, JobRescore}, s.Names())
}

func TestScheduler_RunNow(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	old := e.create(t, newIncident(models.TypeOther, models.SeverityLow, base.Add(-100*time.Hour)))
	s := newScheduler(e)

	n, err := s.RunNow(ctx, JobExpire)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusExpired, e.get(t, old.ID).Status)

	_, err = s.RunNow(ctx, "defragment")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_NoOverlap(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(newTestEnv(t))

	started := make(chan struct{})
	release := make(chan struct{})
	s.Register("slow", "", func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 7, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(ctx, "slow")
		done <- err
	}()
	<-started

	_, err := s.RunNow(ctx, "slow")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestScheduler_JobErrorsPropagate(t *testing.T) {
	s := newScheduler(newTestEnv(t))
	boom := errors.New("boom")
	s.Register("broken", "", func(ctx context.Context) (int, error) { return 0, boom })

	_, err := s.RunNow(context.Background(), "broken")
	assert.ErrorIs(t, err, boom)
}

func TestScheduler_StartRejectsBadSpec(t *testing.T) {
	s := newScheduler(newTestEnv(t))
	s.Register("bad", "every tuesday", func(ctx context.Context) (int, error) { return 0, nil })
	assert.Error(t, s.Start())
}
