// Package notify holds the domain types shared by intake, the delivery queue,
// the channel senders and the HTTP API.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders notifications inside a queue tick. Higher ranks are
// attempted first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

// Priorities lists every priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// Rank is the numeric ordering used when sorting ready items.
func (p Priority) Rank() int {
	return int(p)
}

// Valid reports whether p is one of the five known tiers.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Channel is a delivery transport.
type Channel string

const (
	ChannelWebsocket Channel = "websocket"
	ChannelPush      Channel = "push"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
)

// DeliveryOrder is the fixed precedence channels are attempted in.
var DeliveryOrder = []Channel{ChannelWebsocket, ChannelPush, ChannelEmail, ChannelSMS}

// DefaultChannels is used when no preference enables any channel.
var DefaultChannels = []Channel{ChannelWebsocket, ChannelPush}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch ch {
	case ChannelWebsocket, ChannelPush, ChannelEmail, ChannelSMS:
		return ch, nil
	}
	return "", fmt.Errorf("unknown channel: %q", s)
}

// Primary reports whether a success on this channel counts as delivered.
// Email and SMS only ever make a notification partial.
func (c Channel) Primary() bool {
	return c == ChannelWebsocket || c == ChannelPush
}

// SortChannels returns the distinct channels of chs in DeliveryOrder.
func SortChannels(chs []Channel) []Channel {
	seen := make(map[Channel]bool, len(chs))
	for _, ch := range chs {
		seen[ch] = true
	}
	out := make([]Channel, 0, len(seen))
	for _, ch := range DeliveryOrder {
		if seen[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// Category groups templates for per-category opt-out.
type Category string

const (
	CategorySales     Category = "sales"
	CategoryInventory Category = "inventory"
	CategoryCustomer  Category = "customer"
	CategoryFinancial Category = "financial"
	CategorySystem    Category = "system"
)

// Categories lists every known category.
var Categories = []Category{CategorySales, CategoryInventory, CategoryCustomer, CategoryFinancial, CategorySystem}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// EntityRef points at the dealership record a notification is about.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Request is what a business event asks to have delivered. It is not
// modified after the notification has been queued.
type Request struct {
	UserID       uuid.UUID         `json:"user_id"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Template     string            `json:"template,omitempty"`
	Category     Category          `json:"category"`
	Priority     Priority          `json:"priority"`
	Channels     []Channel         `json:"channels,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Entity       *EntityRef        `json:"entity,omitempty"`
	ActionURL    string            `json:"action_url,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

// Platform identifies the push transport a device needs.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform validates a device platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform: %q", s)
}

// Device is a registered push target. Web devices carry a Web Push
// subscription; mobile devices carry an SNS platform endpoint ARN.
type Device struct {
	ID          uuid.UUID `json:"id"`
	Platform    Platform  `json:"platform"`
	Endpoint    string    `json:"endpoint,omitempty"`
	P256dh      string    `json:"p256dh,omitempty"`
	Auth        string    `json:"auth,omitempty"`
	EndpointARN string    `json:"endpoint_arn,omitempty"`
}

// Contact is where the secondary channels deliver to.
type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// QueueItem is the unit of work owned by the delivery queue.
type QueueItem struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	Request        Request
	Channels       []Channel
	RetryCount     int
	MaxRetries     int
	ScheduledFor   *time.Time
	CreatedAt      time.Time
	Preferences    Preferences
	Devices        []Device
	Contact        Contact
}

// Ready reports whether the item may be attempted at now.
func (q *QueueItem) Ready(now time.Time) bool {
	return q.ScheduledFor == nil || !q.ScheduledFor.After(now)
}
