package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// EventNotification is the event name pushed to connected clients.
const EventNotification = "notification"

// Presence is the slice of the real-time hub the sender needs.
type Presence interface {
	IsConnected(userID uuid.UUID) bool
	Publish(userID uuid.UUID, event string, data any) (int, error)
}

// RealtimePayload is the body of a notification event.
type RealtimePayload struct {
	NotificationID uuid.UUID         `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Category       notify.Category   `json:"category"`
	Priority       notify.Priority   `json:"priority"`
	Entity         *notify.EntityRef `json:"entity,omitempty"`
	ActionURL      string            `json:"action_url,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RealtimeSender delivers over the recipient's live WebSocket connections.
type RealtimeSender struct {
	hub    Presence
	logger *zap.Logger
}

func NewRealtimeSender(hub Presence, logger *zap.Logger) *RealtimeSender {
	return &RealtimeSender{hub: hub, logger: logger}
}

func (s *RealtimeSender) Channel() notify.Channel {
	return notify.ChannelWebsocket
}

// Send returns ErrRecipientOffline unless the event reached at least one
// connection.
func (s *RealtimeSender) Send(ctx context.Context, item *notify.QueueItem) error {
	userID := item.Request.UserID
	if !s.hub.IsConnected(userID) {
		return ErrRecipientOffline
	}

	payload := RealtimePayload{
		NotificationID: item.NotificationID,
		Title:          item.Request.Title,
		Body:           item.Request.Body,
		Category:       item.Request.Category,
		Priority:       item.Request.Priority,
		Entity:         item.Request.Entity,
		ActionURL:      item.Request.ActionURL,
		Data:           item.Request.Data,
		CreatedAt:      item.CreatedAt,
	}

	n, err := s.hub.Publish(userID, EventNotification, payload)
	if err != nil {
		return fmt.Errorf("realtime publish failed: %w", err)
	}
	if n == 0 {
		return ErrRecipientOffline
	}

	s.logger.Debug("notification sent over websocket",
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("connections", n),
	)
	return nil
}
