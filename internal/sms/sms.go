// Package sms delivers outbound text messages to responders.
package sms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sender sends a single message and returns the provider message id
type Sender interface {
	Send(ctx context.Context, phone, message string) (string, error)
}

// ErrEmptyRecipient is returned for messages without a phone number
var ErrEmptyRecipient = errors.New("sms: empty recipient")

// New returns a Twilio sender when SMS is enabled and a logging sender
// otherwise
func New(cfg config.SMSConfig, logger *zap.SugaredLogger) Sender {
	if !cfg.Enabled {
		return NewLogSender(logger)
	}
	return NewTwilioSender(cfg, logger)
}

// TwilioSender sends messages through the Twilio REST API
type TwilioSender struct {
	client  *twilio.RestClient
	from    string
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewTwilioSender creates a Twilio-backed sender paced at cfg.RatePerSecond
func NewTwilioSender(cfg config.SMSConfig, logger *zap.SugaredLogger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &TwilioSender{
		client:  client,
		from:    cfg.FromNumber,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Send delivers message to phone. Provider failures are transient.
func (s *TwilioSender) Send(ctx context.Context, phone, message string) (string, error) {
	if phone == "" {
		return "", ErrEmptyRecipient
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", apperr.Transient("sms.send", err)
	}

	params := &api.CreateMessageParams{}
	params.SetTo(phone)
	params.SetFrom(s.from)
	params.SetBody(message)

	// The Twilio client does not take a context, so run it aside and honor
	// cancellation here.
	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.client.Api.CreateMessage(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		sid := ""
		if resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid: sid}
	}()

	select {
	case <-ctx.Done():
		return "", apperr.Transient("sms.send", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", apperr.Transient("sms.send", fmt.Errorf("twilio create message: %w", r.err))
		}
		return r.sid, nil
	}
}

// LogSender writes messages to the log instead of sending them
type LogSender struct {
	logger *zap.SugaredLogger
}

// NewLogSender creates a sender for development
func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and returns a synthetic id
func (s *LogSender) Send(_ context.Context, phone, message string) (string, error) {
	if phone == "" {
		return "", ErrEmptyRecipient
	}
	id := "log-" + uuid.NewString()
	s.logger.Infow("SMS (not sent)", "to_suffix", suffix(phone), "message", message, "message_id", id)
	return id, nil
}

// Recorder keeps sent messages in memory and can be told to fail. Used in
// tests.
type Recorder struct {
	mu       sync.Mutex
	sent     []Message
	failures int
	err      error
}

// Message is a message captured by a Recorder
type Message struct {
	Phone string
	Body  string
}

// FailNext makes the next n sends return err
func (r *Recorder) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
	r.err = err
}

// Send records the message unless a failure is pending
func (r *Recorder) Send(_ context.Context, phone, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return "", apperr.Transient("sms.send", r.err)
	}
	r.sent = append(r.sent, Message{Phone: phone, Body: message})
	return fmt.Sprintf("rec-%d", len(r.sent)), nil
}

// Sent returns a copy of the delivered messages
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

func suffix(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return phone[len(phone)-4:]
}
