// Package events turns dealership business events read from SQS into
// notification broadcasts.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/intake"
	"github.com/sproutogroup/dealernotify/internal/metrics"
	"github.com/sproutogroup/dealernotify/internal/notify"
	"github.com/sproutogroup/dealernotify/internal/sqs"
)

// ErrMalformedEvent marks a message that can never be handled.
var ErrMalformedEvent = errors.New("malformed business event")

// BusinessEvent is published by the lead, vehicle, appointment and invoice
// modules when something a user should hear about happens.
type BusinessEvent struct {
	Type         string            `json:"type"`
	Recipients   []uuid.UUID       `json:"recipients"`
	Template     string            `json:"template,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Title        string            `json:"title,omitempty"`
	Body         string            `json:"body,omitempty"`
	Category     notify.Category   `json:"category,omitempty"`
	Priority     *notify.Priority  `json:"priority,omitempty"`
	Channels     []string          `json:"channels,omitempty"`
	Entity       *notify.EntityRef `json:"entity,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Force        bool              `json:"force,omitempty"`
}

// Decode parses and validates a message body.
func Decode(body []byte) (*BusinessEvent, error) {
	var ev BusinessEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(ev.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrMalformedEvent)
	}
	if ev.Template == "" && ev.Title == "" {
		return nil, fmt.Errorf("%w: template or title required", ErrMalformedEvent)
	}
	for _, ch := range ev.Channels {
		if _, err := notify.ParseChannel(ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	return &ev, nil
}

func (ev *BusinessEvent) definition() intake.Definition {
	return intake.Definition{
		Template:  ev.Template,
		Variables: ev.Variables,
		Title:     ev.Title,
		Body:      ev.Body,
		Category:  ev.Category,
	}
}

func (ev *BusinessEvent) options() intake.Options {
	opts := intake.Options{
		Priority:     ev.Priority,
		ScheduledFor: ev.ScheduledFor,
		Entity:       ev.Entity,
		Force:        ev.Force,
	}
	for _, raw := range ev.Channels {
		ch, _ := notify.ParseChannel(raw)
		opts.Channels = append(opts.Channels, ch)
	}
	return opts
}

// Source is where events are read from.
type Source interface {
	Receive(ctx context.Context) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string, seconds int32) error
}

// Broadcaster fans one definition out to many recipients.
type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []uuid.UUID, def intake.Definition, opts intake.Options) intake.BroadcastResult
}

// Config tunes the listener loop.
type Config struct {
	// ErrorBackoff is how long to wait after a failed receive.
	ErrorBackoff time.Duration
	// RetryVisibility is how long a message whose intake failed for
	// infrastructure reasons stays hidden before another attempt.
	RetryVisibility int32
}

// Listener consumes business events until its context is cancelled.
type Listener struct {
	source      Source
	broadcaster Broadcaster
	cfg         Config
	logger      *zap.Logger
}

func NewListener(source Source, broadcaster Broadcaster, cfg Config, logger *zap.Logger) *Listener {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.RetryVisibility <= 0 {
		cfg.RetryVisibility = 30
	}
	return &Listener{source: source, broadcaster: broadcaster, cfg: cfg, logger: logger}
}

// Run polls until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("business event listener started")
	defer l.logger.Info("business event listener stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("failed to receive business events", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.ErrorBackoff):
			}
		}
	}
}

// Poll receives one batch and handles every message in it.
func (l *Listener) Poll(ctx context.Context) error {
	msgs, err := l.source.Receive(ctx)
	if err != nil {
		return err
	}
	metrics.SetSQSMessagesInFlight(len(msgs))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range msgs {
		l.Handle(ctx, msg)
	}
	return nil
}

// Handle processes one message. Malformed messages and messages that
// produced at least one notification or a caller-visible rejection are
// deleted. A message whose every recipient failed on infrastructure errors
// is released for another attempt. When only some recipients failed that
// way, the message is still deleted and those recipients are logged at
// error level with their user ids.
func (l *Listener) Handle(ctx context.Context, msg sqs.Message) {
	log := l.logger.With(zap.String("message_id", msg.ID))

	ev, err := Decode(msg.Body)
	if err != nil {
		log.Error("dropping malformed business event", zap.Error(err), zap.ByteString("body", truncate(msg.Body, 512)))
		l.delete(ctx, log, msg)
		return
	}

	res := l.broadcaster.Broadcast(ctx, ev.Recipients, ev.definition(), ev.options())

	log.Info("business event handled",
		zap.String("type", ev.Type),
		zap.String("template", ev.Template),
		zap.Int("recipients", len(ev.Recipients)),
		zap.Int("queued", len(res.Succeeded)),
		zap.Int("rejected", len(res.Rejected)),
	)

	if retryable(res) {
		if err := l.source.Release(ctx, msg.ReceiptHandle, l.cfg.RetryVisibility); err != nil {
			log.Warn("failed to release business event", zap.Error(err))
		}
		return
	}
	if dropped := droppedRecipients(res); len(dropped) > 0 {
		log.Error("business event recipients not notified after infrastructure failure",
			zap.String("type", ev.Type),
			zap.Strings("user_ids", dropped),
		)
	}
	l.delete(ctx, log, msg)
}

func (l *Listener) delete(ctx context.Context, log *zap.Logger, msg sqs.Message) {
	if err := l.source.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Warn("failed to delete business event", zap.Error(err))
	}
}

func retryable(res intake.BroadcastResult) bool {
	if len(res.Succeeded) > 0 || len(res.Rejected) == 0 {
		return false
	}
	for _, r := range res.Rejected {
		if intake.IsRejection(r.Err) {
			return false
		}
	}
	return true
}

// droppedRecipients lists the recipients whose intake failed for reasons
// other than a caller-visible rejection.
func droppedRecipients(res intake.BroadcastResult) []string {
	var ids []string
	for _, r := range res.Rejected {
		if !intake.IsRejection(r.Err) {
			ids = append(ids, r.UserID.String())
		}
	}
	return ids
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
