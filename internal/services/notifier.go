package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/sms"
	"github.com/communitywatch/incident-server/internal/store"
	"go.uber.org/zap"
)

// outboxGiveUp is how many delivery attempts, across flushes, a queued
// notification gets before it is marked failed
const outboxGiveUp = 20

const outboxBatch = 100

// Notifier delivers notifications in the background. Each notification is
// tried a bounded number of times; what still fails is persisted to the
// outbox and retried by FlushOutbox.
type Notifier struct {
	sender  sms.Sender
	store   store.Store
	clock   clock.Clock
	cfg     config.SMSConfig
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	queue  chan models.Notification
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewNotifier creates a notifier. Call Start to launch the workers.
func NewNotifier(sender sms.Sender, st store.Store, clk clock.Clock, cfg config.SMSConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Notifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Notifier{
		sender:  sender,
		store:   st,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		queue:   make(chan models.Notification, cfg.QueueSize),
	}
}

// Start launches the delivery workers. They exit when Stop is called.
func (n *Notifier) Start() {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for note := range n.queue {
				_ = n.Deliver(context.Background(), note)
			}
		}()
	}
	n.logger.Infow("Notifier started", "workers", n.cfg.Workers, "queue", n.cfg.QueueSize)
}

// Stop stops accepting notifications and waits for queued ones to finish
func (n *Notifier) Stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

// Dispatch queues a notification without waiting for delivery. When the
// queue is full or the notifier is stopped it goes straight to the outbox.
func (n *Notifier) Dispatch(ctx context.Context, note models.Notification) {
	n.mu.RLock()
	if !n.closed {
		select {
		case n.queue <- note:
			n.mu.RUnlock()
			return
		default:
		}
	}
	n.mu.RUnlock()

	n.logger.Warnw("Notification queue unavailable, writing to outbox", "notification_id", note.ID)
	note.LastError = "queue full"
	n.enqueue(context.WithoutCancel(ctx), note)
}

// Deliver tries to send note up to MaxAttempts times with exponential
// backoff. Notifications that still fail are written to the outbox.
func (n *Notifier) Deliver(ctx context.Context, note models.Notification) error {
	var err error
	for attempt := 0; attempt < n.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			n.metrics.Notification("retried")
			if serr := sleepCtx(ctx, n.cfg.RetryBackoff<<(attempt-1)); serr != nil {
				err = serr
				break
			}
		}
		note.Attempts++
		var id string
		id, err = n.send(ctx, note)
		if err == nil {
			note.MessageID = id
			note.Status = models.NotificationSent
			note.LastError = ""
			n.record(ctx, note)
			n.metrics.Notification("sent")
			return nil
		}
		if errors.Is(err, sms.ErrEmptyRecipient) {
			break
		}
		n.logger.Warnw("Notification attempt failed",
			"notification_id", note.ID,
			"attempt", note.Attempts,
			"error", err,
		)
	}

	note.LastError = err.Error()
	n.enqueue(ctx, note)
	return err
}

// FlushOutbox retries queued notifications once each and returns how many
// were sent
func (n *Notifier) FlushOutbox(ctx context.Context) (int, error) {
	pending, err := n.store.Notifications().Pending(ctx, outboxBatch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, note := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		note.Attempts++
		id, err := n.send(ctx, note)
		switch {
		case err == nil:
			note.Status = models.NotificationSent
			note.MessageID = id
			note.LastError = ""
			sent++
			n.metrics.Notification("sent")
		case note.Attempts >= outboxGiveUp || errors.Is(err, sms.ErrEmptyRecipient):
			note.Status = models.NotificationFailed
			note.LastError = err.Error()
			n.metrics.Notification("dropped")
			n.logger.Errorw("Notification abandoned", "notification_id", note.ID, "attempts", note.Attempts, "error", err)
		default:
			note.LastError = err.Error()
		}
		n.record(ctx, note)
	}
	n.refreshQueued(ctx)

	if len(pending) > 0 {
		n.logger.Infow("Outbox flushed", "pending", len(pending), "sent", sent)
	}
	return sent, nil
}

// Queued returns the outbox size
func (n *Notifier) Queued(ctx context.Context) (int, error) {
	return n.store.Notifications().CountPending(ctx)
}

func (n *Notifier) send(ctx context.Context, note models.Notification) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	return n.sender.Send(ctx, note.Phone, note.Message)
}

func (n *Notifier) enqueue(ctx context.Context, note models.Notification) {
	note.Status = models.NotificationPending
	n.record(ctx, note)
	n.metrics.Notification("queued")
	n.refreshQueued(ctx)
}

func (n *Notifier) record(ctx context.Context, note models.Notification) {
	note.UpdatedAt = n.clock.Now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = note.UpdatedAt
	}
	if err := n.store.Notifications().Save(ctx, note); err != nil {
		n.logger.Errorw("Failed to persist notification", "notification_id", note.ID, "status", note.Status, "error", err)
	}
}

func (n *Notifier) refreshQueued(ctx context.Context) {
	count, err := n.store.Notifications().CountPending(ctx)
	if err != nil {
		return
	}
	n.metrics.SetQueued(count)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
