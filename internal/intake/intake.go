// Package intake turns notification requests from business events into
// persisted notifications and queued delivery items.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/db"
	"github.com/sproutogroup/dealernotify/internal/metrics"
	"github.com/sproutogroup/dealernotify/internal/notify"
	"github.com/sproutogroup/dealernotify/internal/templates"
)

var (
	ErrNotificationsDisabled = errors.New("recipient has disabled notifications")
	ErrUnknownTemplate       = errors.New("unknown template")
	ErrCategoryDisabled      = errors.New("category disabled by recipient")
	ErrInvalidDefinition     = errors.New("notification needs a template or a title")
	ErrBelowMinimumPriority  = errors.New("priority below recipient minimum")
)

// Store is the persistence the service reads preferences from and writes
// notification rows to.
type Store interface {
	GetSettings(ctx context.Context, userID uuid.UUID) (*db.Settings, error)
	ListDevices(ctx context.Context, userID uuid.UUID) ([]*db.Device, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// Queue accepts items for delivery.
type Queue interface {
	Enqueue(item *notify.QueueItem) error
}

// Definition is either a template key with variables or a literal title and
// body.
type Definition struct {
	Template  string            `json:"template,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Category  notify.Category   `json:"category,omitempty"`
	ActionURL string            `json:"action_url,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Options tune delivery of a single notification.
type Options struct {
	Priority     *notify.Priority  `json:"priority,omitempty"`
	Channels     []notify.Channel  `json:"channels,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Entity       *notify.EntityRef `json:"entity,omitempty"`
	Force        bool              `json:"force,omitempty"`
}

// Result identifies a queued notification.
type Result struct {
	NotificationID uuid.UUID        `json:"notification_id"`
	QueueID        uuid.UUID        `json:"queue_id"`
	Channels       []notify.Channel `json:"channels"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty"`
}

// Rejection records why one broadcast recipient was skipped.
type Rejection struct {
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason"`
	Err    error     `json:"-"`
}

// BroadcastResult lists what a broadcast produced.
type BroadcastResult struct {
	Succeeded []Result    `json:"succeeded"`
	Rejected  []Rejection `json:"rejected,omitempty"`
}

// NotificationIDs returns the ids of the notifications that were queued.
func (b BroadcastResult) NotificationIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(b.Succeeded))
	for _, r := range b.Succeeded {
		ids = append(ids, r.NotificationID)
	}
	return ids
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements notification intake.
type Service struct {
	store     Store
	queue     Queue
	templates *templates.Registry
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, queue Queue, registry *templates.Registry, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		queue:     queue,
		templates: registry,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify validates the request against the recipient's preferences,
// persists a pending notification and queues it for delivery.
func (s *Service) Notify(ctx context.Context, userID uuid.UUID, def Definition, opts Options) (*Result, error) {
	res, err := s.notify(ctx, userID, def, opts)
	if err != nil {
		metrics.RecordNotificationRejected(rejectionReason(err))
		return nil, err
	}
	return res, nil
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, def Definition, opts Options) (*Result, error) {
	settings, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	prefs := settings.Preferences()

	if !prefs.Enabled && !opts.Force {
		return nil, ErrNotificationsDisabled
	}

	req, err := s.resolve(userID, def, opts)
	if err != nil {
		return nil, err
	}

	if !opts.Force {
		if !prefs.CategoryEnabled(req.Category) {
			return nil, fmt.Errorf("%w: %s", ErrCategoryDisabled, req.Category)
		}
		if prefs.MinPriority.Valid() && req.Priority < prefs.MinPriority {
			return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimumPriority, req.Priority, prefs.MinPriority)
		}
	}

	now := s.now()
	if req.ScheduledFor == nil && !opts.Force && req.Priority < notify.PriorityUrgent && prefs.QuietHours != nil {
		if until, quiet := prefs.QuietHours.Until(now); quiet {
			req.ScheduledFor = &until
			s.logger.Debug("deferring notification until quiet hours end",
				zap.String("user_id", userID.String()),
				zap.Time("until", until),
			)
		}
	}

	channels := notify.SortChannels(opts.Channels)
	if len(channels) == 0 {
		channels = notify.SortChannels(prefs.ResolveChannels())
	}
	req.Channels = channels

	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	targets := make([]notify.Device, 0, len(devices))
	for _, d := range devices {
		targets = append(targets, d.Target())
	}

	row, err := db.NotificationFromRequest(uuid.New(), req, channels)
	if err != nil {
		return nil, fmt.Errorf("build notification: %w", err)
	}
	if err := s.store.CreateNotification(ctx, row); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	item := &notify.QueueItem{
		ID:             uuid.New(),
		NotificationID: row.ID,
		Request:        req,
		Channels:       channels,
		ScheduledFor:   req.ScheduledFor,
		CreatedAt:      now,
		Preferences:    prefs,
		Devices:        targets,
		Contact:        settings.Contact(),
	}
	if err := s.queue.Enqueue(item); err != nil {
		return nil, fmt.Errorf("enqueue notification %s: %w", row.ID, err)
	}

	metrics.RecordNotificationEnqueued(string(req.Category), req.Priority.String())
	s.logger.Info("notification queued",
		zap.String("notification_id", row.ID.String()),
		zap.String("queue_id", item.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("template", req.Template),
		zap.String("priority", req.Priority.String()),
		zap.Int("channels", len(channels)),
	)

	return &Result{
		NotificationID: row.ID,
		QueueID:        item.ID,
		Channels:       channels,
		ScheduledFor:   req.ScheduledFor,
	}, nil
}

// resolve renders the definition into an immutable request.
func (s *Service) resolve(userID uuid.UUID, def Definition, opts Options) (notify.Request, error) {
	req := notify.Request{
		UserID:       userID,
		ScheduledFor: opts.ScheduledFor,
		Entity:       opts.Entity,
		Data:         def.Data,
	}

	switch {
	case def.Template != "":
		rendered, err := s.templates.Render(def.Template, def.Variables)
		if errors.Is(err, templates.ErrNotFound) {
			return notify.Request{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, def.Template)
		}
		if err != nil {
			return notify.Request{}, err
		}
		req.Template = rendered.Key
		req.Title = rendered.Title
		req.Body = rendered.Body
		req.Category = rendered.Category
		req.Priority = rendered.Priority
		req.ActionURL = rendered.ActionURL
	case def.Title != "":
		req.Title = def.Title
		req.Body = def.Body
		req.Category = def.Category
		if req.Category == "" {
			req.Category = notify.CategorySystem
		}
		req.Priority = notify.PriorityMedium
	default:
		return notify.Request{}, ErrInvalidDefinition
	}

	if def.ActionURL != "" {
		req.ActionURL = def.ActionURL
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return notify.Request{}, fmt.Errorf("%w: invalid priority", ErrInvalidDefinition)
		}
		req.Priority = *opts.Priority
	}
	return req, nil
}

// Broadcast runs Notify for every recipient. A rejected recipient is
// reported and does not stop the others.
func (s *Service) Broadcast(ctx context.Context, recipients []uuid.UUID, def Definition, opts Options) BroadcastResult {
	var out BroadcastResult
	seen := make(map[uuid.UUID]bool, len(recipients))
	for _, userID := range recipients {
		if seen[userID] {
			continue
		}
		seen[userID] = true

		res, err := s.Notify(ctx, userID, def, opts)
		if err != nil {
			s.logger.Info("broadcast recipient skipped",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			out.Rejected = append(out.Rejected, Rejection{UserID: userID, Reason: err.Error(), Err: err})
			continue
		}
		out.Succeeded = append(out.Succeeded, *res)
	}
	return out
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNotificationsDisabled):
		return "disabled"
	case errors.Is(err, ErrUnknownTemplate):
		return "unknown_template"
	case errors.Is(err, ErrCategoryDisabled):
		return "category_disabled"
	case errors.Is(err, ErrInvalidDefinition):
		return "invalid_definition"
	case errors.Is(err, ErrBelowMinimumPriority):
		return "below_min_priority"
	}
	return "error"
}

// IsRejection reports whether err is a caller-visible rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	return rejectionReason(err) != "error"
}
