package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// Sender mirrors worker.ChannelSender to avoid an import cycle.
type Sender interface {
	Channel() notify.Channel
	Send(ctx context.Context, item *notify.QueueItem) error
}

// ProtectedSender wraps a channel sender with a CircuitBreaker.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender with breaker.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Channel delegates to the wrapped sender.
func (p *ProtectedSender) Channel() notify.Channel {
	return p.sender.Channel()
}

// Send forwards to the wrapped sender unless the circuit is open.
func (p *ProtectedSender) Send(ctx context.Context, item *notify.QueueItem) error {
	err := p.breaker.Execute(func() error {
		return p.sender.Send(ctx, item)
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected request, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", item.NotificationID.String()),
			zap.String("channel", string(p.sender.Channel())),
		)
	}
	return err
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
