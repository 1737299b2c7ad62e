package services

import (
	"context"
	"errors"
	"testing"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/sms"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errGateway = errors.New("gateway down")

func newNote(phone string) models.Notification {
	return models.Notification{
		ID:         uuid.New(),
		IncidentID: uuid.New(),
		Phone:      phone,
		Message:    "ALERT L2: fire (high)",
	}
}

func newNotifier(e *testEnv, rec *sms.Recorder) *Notifier {
	return NewNotifier(rec, e.store, e.clock, e.cfg.SMS, nil, e.logger)
}

func TestNotifier_DeliverRetries(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := &sms.Recorder{}
	rec.FailNext(1, errGateway)
	n := newNotifier(e, rec)

	require.NoError(t, n.Deliver(ctx, newNote("+2348030000001")))
	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+2348030000001", sent[0].Phone)

	queued, err := n.Queued(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestNotifier_FailuresGoToOutbox(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := &sms.Recorder{}
	rec.FailNext(3, errGateway)
	n := newNotifier(e, rec)

	err := n.Deliver(ctx, newNote("+2348030000001"))
	assert.ErrorIs(t, err, errGateway)
	assert.Empty(t, rec.Sent())

	pending, err := e.store.Notifications().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "gateway down")

	sent, err := n.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, rec.Sent(), 1)

	queued, err := n.Queued(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestNotifier_EmptyRecipientIsNotRetried(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	n := NewNotifier(sms.NewLogSender(e.logger), e.store, e.clock, e.cfg.SMS, nil, e.logger)

	err := n.Deliver(ctx, newNote(""))
	assert.ErrorIs(t, err, sms.ErrEmptyRecipient)

	pending, err := e.store.Notifications().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	// The outbox gives up on it straight away
	sent, err := n.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	queued, err := n.Queued(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestNotifier_StartDispatchStop(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := &sms.Recorder{}
	n := newNotifier(e, rec)

	n.Start()
	for i := 0; i < 3; i++ {
		n.Dispatch(ctx, newNote("+2348030000001"))
	}
	n.Stop()
	n.Stop()

	assert.Len(t, rec.Sent(), 3)
}

func TestNotifier_DispatchAfterStopUsesOutbox(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := &sms.Recorder{}
	n := newNotifier(e, rec)
	n.Start()
	n.Stop()

	n.Dispatch(ctx, newNote("+2348030000001"))
	assert.Empty(t, rec.Sent())

	queued, err := n.Queued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	sent, err := n.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}
