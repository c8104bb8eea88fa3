package notify

import (
	"fmt"
	"time"
)

// QuietHours is a daily window, in the recipient's timezone, during which
// non-urgent notifications are held back. Start and End are "HH:MM"; a
// window whose end is before its start wraps past midnight.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks both ends of the window and the timezone.
func (q QuietHours) Validate() error {
	if _, err := parseClock(q.Start); err != nil {
		return err
	}
	if _, err := parseClock(q.End); err != nil {
		return err
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", q.Timezone, err)
		}
	}
	return nil
}

func (q QuietHours) location() *time.Location {
	if q.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Until reports whether t falls inside the window and, if so, when the
// window ends.
func (q QuietHours) Until(t time.Time) (time.Time, bool) {
	start, err := parseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(q.End)
	if err != nil || start == end {
		return time.Time{}, false
	}

	local := t.In(q.location())
	minute := local.Hour()*60 + local.Minute()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())

	if start < end {
		if minute >= start && minute < end {
			return midnight.Add(time.Duration(end) * time.Minute), true
		}
		return time.Time{}, false
	}

	// Wrapping window, e.g. 22:00-07:00.
	if minute >= start {
		return midnight.AddDate(0, 0, 1).Add(time.Duration(end) * time.Minute), true
	}
	if minute < end {
		return midnight.Add(time.Duration(end) * time.Minute), true
	}
	return time.Time{}, false
}

// Preferences is the snapshot of a recipient's notification settings taken
// at enqueue time.
type Preferences struct {
	Enabled     bool              `json:"enabled"`
	Realtime    bool              `json:"realtime"`
	Push        bool              `json:"push"`
	Email       bool              `json:"email"`
	SMS         bool              `json:"sms"`
	Categories  map[Category]bool `json:"categories,omitempty"`
	MinPriority Priority          `json:"min_priority,omitempty"`
	QuietHours  *QuietHours       `json:"quiet_hours,omitempty"`
}

// DefaultPreferences applies to users that never saved any settings.
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:  true,
		Realtime: true,
		Push:     true,
		Email:    true,
		SMS:      false,
	}
}

// CategoryEnabled treats categories missing from the map as enabled.
func (p Preferences) CategoryEnabled(c Category) bool {
	enabled, ok := p.Categories[c]
	return !ok || enabled
}

// ResolveChannels picks delivery channels from the enabled flags.
func (p Preferences) ResolveChannels() []Channel {
	var chs []Channel
	if p.Realtime || p.Enabled {
		chs = append(chs, ChannelWebsocket)
	}
	if p.Push {
		chs = append(chs, ChannelPush)
	}
	if p.Email {
		chs = append(chs, ChannelEmail)
	}
	if p.SMS {
		chs = append(chs, ChannelSMS)
	}
	if len(chs) == 0 {
		return append([]Channel(nil), DefaultChannels...)
	}
	return chs
}
