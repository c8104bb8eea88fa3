package notify

import (
	"time"

	"github.com/google/uuid"
)

// Status is the overall delivery state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// FailureMaxRetries is recorded when an item exhausts its retries.
const FailureMaxRetries = "Max retries exceeded"

// FailureExpired is recorded when the cleanup sweep evicts an item.
const FailureExpired = "Expired before delivery"

// DeliveryStatus is one ledger row.
type DeliveryStatus struct {
	NotificationID     uuid.UUID  `json:"notification_id"`
	UserID             uuid.UUID  `json:"user_id"`
	Requested          []Channel  `json:"requested_channels"`
	TotalAttempts      int        `json:"total_attempts"`
	LastAttempt        *time.Time `json:"last_attempt,omitempty"`
	WebsocketDelivered bool       `json:"websocket_delivered"`
	PushDelivered      bool       `json:"push_delivered"`
	EmailDelivered     bool       `json:"email_delivered"`
	SMSDelivered       bool       `json:"sms_delivered"`
	Status             Status     `json:"status"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewDeliveryStatus starts a ledger row with zero attempts.
func NewDeliveryStatus(notificationID, userID uuid.UUID, requested []Channel, now time.Time) *DeliveryStatus {
	return &DeliveryStatus{
		NotificationID: notificationID,
		UserID:         userID,
		Requested:      append([]Channel(nil), requested...),
		Status:         StatusPending,
		UpdatedAt:      now,
	}
}

// Delivered reports the per-channel flag.
func (d *DeliveryStatus) Delivered(ch Channel) bool {
	switch ch {
	case ChannelWebsocket:
		return d.WebsocketDelivered
	case ChannelPush:
		return d.PushDelivered
	case ChannelEmail:
		return d.EmailDelivered
	case ChannelSMS:
		return d.SMSDelivered
	}
	return false
}

// MarkDelivered sets the flag for ch and recomputes the overall status.
func (d *DeliveryStatus) MarkDelivered(ch Channel, at time.Time) {
	switch ch {
	case ChannelWebsocket:
		d.WebsocketDelivered = true
	case ChannelPush:
		d.PushDelivered = true
	case ChannelEmail:
		d.EmailDelivered = true
	case ChannelSMS:
		d.SMSDelivered = true
	}
	d.recompute(at)
}

// Outstanding returns the requested channels that have not succeeded yet,
// in DeliveryOrder.
func (d *DeliveryStatus) Outstanding() []Channel {
	var out []Channel
	for _, ch := range SortChannels(d.Requested) {
		if !d.Delivered(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Fail marks the row terminally failed. Secondary deliveries that already
// succeeded stay visible through their per-channel flags.
func (d *DeliveryStatus) Fail(reason string, at time.Time) {
	d.Status = StatusFailed
	d.FailureReason = reason
	d.UpdatedAt = at
}

func (d *DeliveryStatus) recompute(at time.Time) {
	switch {
	case d.WebsocketDelivered || d.PushDelivered:
		if d.Status != StatusDelivered {
			d.DeliveredAt = &at
		}
		d.Status = StatusDelivered
	case d.EmailDelivered || d.SMSDelivered:
		d.Status = StatusPartial
	}
	d.UpdatedAt = at
}
