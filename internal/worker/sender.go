package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// ChannelSender is the unified interface for all delivery channels.
// Implementations: RealtimeSender, PushSender, SESSender, ResendSender,
// SNSSender, LogSender.
type ChannelSender interface {
	Channel() notify.Channel
	Send(ctx context.Context, item *notify.QueueItem) error
}

var (
	// ErrRecipientOffline is returned by the real-time sender when the
	// recipient has no live connection.
	ErrRecipientOffline = errors.New("recipient offline")

	// ErrNoSender is recorded when no sender is registered for a channel.
	ErrNoSender = errors.New("no sender registered for channel")

	// ErrNoDevices is returned by the push sender when the recipient has no
	// registered device.
	ErrNoDevices = errors.New("recipient has no registered devices")

	// ErrNoContact is returned when a secondary channel has nowhere to deliver.
	ErrNoContact = errors.New("recipient has no contact address")
)

// SenderTable selects a sender by channel.
type SenderTable map[notify.Channel]ChannelSender

// NewSenderTable registers senders by their channel. A later sender for the
// same channel replaces an earlier one.
func NewSenderTable(senders ...ChannelSender) SenderTable {
	t := make(SenderTable, len(senders))
	for _, s := range senders {
		if s == nil {
			continue
		}
		t[s.Channel()] = s
	}
	return t
}

// Lookup returns the sender for ch.
func (t SenderTable) Lookup(ch notify.Channel) (ChannelSender, error) {
	s, ok := t[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, ch)
	}
	return s, nil
}

// LogSender stands in for a secondary channel that has no transport
// configured. It always succeeds and logs the item so stub deliveries are
// easy to spot. Never register it for websocket or push: a stub success
// there would mark every notification delivered.
type LogSender struct {
	channel notify.Channel
	logger  *zap.Logger
}

func NewLogSender(channel notify.Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Channel() notify.Channel {
	return s.channel
}

func (s *LogSender) Send(ctx context.Context, item *notify.QueueItem) error {
	s.logger.Info("stub delivery",
		zap.String("channel", string(s.channel)),
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("user_id", item.Request.UserID.String()),
		zap.String("title", item.Request.Title),
	)
	return nil
}

// messageText renders the plain-text form used by email and SMS.
func messageText(req notify.Request) string {
	var b strings.Builder
	b.WriteString(req.Title)
	if req.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(req.Body)
	}
	if req.ActionURL != "" {
		b.WriteString("\n\n")
		b.WriteString(req.ActionURL)
	}
	return b.String()
}

// IsRecipientError reports failures caused by the recipient's setup rather
// than the provider: no devices, no contact address, expired subscriptions.
func IsRecipientError(err error) bool {
	return errors.Is(err, ErrNoDevices) || errors.Is(err, ErrNoContact) ||
		errors.Is(err, ErrSubscriptionGone) || errors.Is(err, ErrRecipientOffline)
}
