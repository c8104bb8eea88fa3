package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// Notification represents a notification row in the database
type Notification struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Title         string          `json:"title"`
	Body          string          `json:"body"`
	Template      *string         `json:"template,omitempty"`
	Category      string          `json:"category"`
	Priority      string          `json:"priority"`
	Channels      []string        `json:"channels"`
	EntityType    *string         `json:"entity_type,omitempty"`
	EntityID      *string         `json:"entity_id,omitempty"`
	ActionURL     *string         `json:"action_url,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	ScheduledFor  *time.Time      `json:"scheduled_for,omitempty"`
	ReadAt        *time.Time      `json:"read_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NotificationFromRequest builds the pending row persisted at intake.
func NotificationFromRequest(id uuid.UUID, req notify.Request, channels []notify.Channel) (*Notification, error) {
	n := &Notification{
		ID:           id,
		UserID:       req.UserID,
		Title:        req.Title,
		Body:         req.Body,
		Category:     string(req.Category),
		Priority:     req.Priority.String(),
		Status:       string(notify.StatusPending),
		ScheduledFor: req.ScheduledFor,
	}
	for _, ch := range channels {
		n.Channels = append(n.Channels, string(ch))
	}
	if req.Template != "" {
		n.Template = &req.Template
	}
	if req.Entity != nil {
		n.EntityType = &req.Entity.Type
		n.EntityID = &req.Entity.ID
	}
	if req.ActionURL != "" {
		n.ActionURL = &req.ActionURL
	}
	if len(req.Data) > 0 {
		data, err := json.Marshal(req.Data)
		if err != nil {
			return nil, err
		}
		n.Data = data
	}
	return n, nil
}

// Settings is a user's stored notification preferences and contact details.
type Settings struct {
	UserID          uuid.UUID       `json:"user_id"`
	Enabled         bool            `json:"enabled"`
	RealtimeEnabled bool            `json:"realtime_enabled"`
	PushEnabled     bool            `json:"push_enabled"`
	EmailEnabled    bool            `json:"email_enabled"`
	SMSEnabled      bool            `json:"sms_enabled"`
	Categories      map[string]bool `json:"categories"`
	MinPriority     *string         `json:"min_priority,omitempty"`
	QuietStart      *string         `json:"quiet_start,omitempty"`
	QuietEnd        *string         `json:"quiet_end,omitempty"`
	Timezone        *string         `json:"timezone,omitempty"`
	Email           *string         `json:"email,omitempty"`
	Phone           *string         `json:"phone,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DefaultSettings is returned for users without a stored row.
func DefaultSettings(userID uuid.UUID) *Settings {
	p := notify.DefaultPreferences()
	return &Settings{
		UserID:          userID,
		Enabled:         p.Enabled,
		RealtimeEnabled: p.Realtime,
		PushEnabled:     p.Push,
		EmailEnabled:    p.Email,
		SMSEnabled:      p.SMS,
		Categories:      map[string]bool{},
	}
}

// Preferences converts the row into the snapshot carried by queue items.
// Unparseable minimum priorities and quiet-hour windows are ignored.
func (s *Settings) Preferences() notify.Preferences {
	p := notify.Preferences{
		Enabled:  s.Enabled,
		Realtime: s.RealtimeEnabled,
		Push:     s.PushEnabled,
		Email:    s.EmailEnabled,
		SMS:      s.SMSEnabled,
	}
	if len(s.Categories) > 0 {
		p.Categories = make(map[notify.Category]bool, len(s.Categories))
		for k, v := range s.Categories {
			p.Categories[notify.Category(k)] = v
		}
	}
	if s.MinPriority != nil {
		if prio, err := notify.ParsePriority(*s.MinPriority); err == nil {
			p.MinPriority = prio
		}
	}
	if s.QuietStart != nil && s.QuietEnd != nil {
		q := notify.QuietHours{Start: *s.QuietStart, End: *s.QuietEnd}
		if s.Timezone != nil {
			q.Timezone = *s.Timezone
		}
		if q.Validate() == nil {
			p.QuietHours = &q
		}
	}
	return p
}

// Contact returns the secondary-channel addresses.
func (s *Settings) Contact() notify.Contact {
	var c notify.Contact
	if s.Email != nil {
		c.Email = *s.Email
	}
	if s.Phone != nil {
		c.Phone = *s.Phone
	}
	return c
}

// Device is a registered push target. Token holds the Web Push endpoint for
// web devices and the SNS platform endpoint ARN for mobile ones.
type Device struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Platform  string    `json:"platform"`
	Token     string    `json:"token"`
	P256dh    string    `json:"p256dh,omitempty"`
	Auth      string    `json:"auth,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target converts the row into the form the push sender consumes.
func (d *Device) Target() notify.Device {
	out := notify.Device{ID: d.ID, Platform: notify.Platform(d.Platform)}
	if out.Platform == notify.PlatformWeb {
		out.Endpoint = d.Token
		out.P256dh = d.P256dh
		out.Auth = d.Auth
	} else {
		out.EndpointARN = d.Token
	}
	return out
}
