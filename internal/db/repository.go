package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for notifications, settings and devices
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, user_id, title, body, template, category, priority, channels,
	entity_type, entity_id, action_url, data, status, attempts,
	delivered_at, failure_reason, scheduled_for, read_at,
	created_at, updated_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Title,
		&n.Body,
		&n.Template,
		&n.Category,
		&n.Priority,
		&n.Channels,
		&n.EntityType,
		&n.EntityID,
		&n.ActionURL,
		&n.Data,
		&n.Status,
		&n.Attempts,
		&n.DeliveredAt,
		&n.FailureReason,
		&n.ScheduledFor,
		&n.ReadAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, title, body, template, category, priority, channels,
			entity_type, entity_id, action_url, data, status, attempts, scheduled_for
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.UserID,
		n.Title,
		n.Body,
		n.Template,
		n.Category,
		n.Priority,
		n.Channels,
		n.EntityType,
		n.EntityID,
		n.ActionURL,
		n.Data,
		n.Status,
		n.Attempts,
		n.ScheduledFor,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID.String()),
		zap.Strings("channels", n.Channels),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return n, nil
}

// ListFilter narrows ListNotifications.
type ListFilter struct {
	UnreadOnly bool
	Status     string
	Limit      int
	Offset     int
}

// ListNotifications retrieves a user's notifications, newest first
func (r *Repository) ListNotifications(ctx context.Context, userID uuid.UUID, f ListFilter) ([]*Notification, error) {
	var where strings.Builder
	where.WriteString("user_id = $1")
	args := []any{userID}
	if f.UnreadOnly {
		where.WriteString(" AND read_at IS NULL")
	}
	if f.Status != "" {
		args = append(args, f.Status)
		fmt.Fprintf(&where, " AND status = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, where.String(), len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// UpdateDeliveryStatus writes the queue's ledger row back onto the
// notification.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, st *notify.DeliveryStatus) error {
	var reason *string
	if st.FailureReason != "" {
		reason = &st.FailureReason
	}

	query := `
		UPDATE notifications
		SET status = $1, attempts = $2, delivered_at = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, string(st.Status), st.TotalAttempts, st.DeliveredAt, reason, st.NotificationID)
	if err != nil {
		r.logger.Error("failed to update delivery status",
			zap.Error(err),
			zap.String("notification_id", st.NotificationID.String()),
		)
		return fmt.Errorf("update delivery status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", st.NotificationID, ErrNotFound)
	}

	return nil
}

// MarkRead stamps read_at on a notification owned by userID.
func (r *Repository) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, NOW()) WHERE id = $1 AND user_id = $2`,
		id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSettings returns the user's stored settings, or the defaults when the
// user never saved any.
func (r *Repository) GetSettings(ctx context.Context, userID uuid.UUID) (*Settings, error) {
	query := `
		SELECT
			user_id, enabled, realtime_enabled, push_enabled, email_enabled, sms_enabled,
			categories, min_priority, quiet_start, quiet_end, timezone, email, phone, updated_at
		FROM notification_settings
		WHERE user_id = $1
	`

	var s Settings
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&s.UserID,
		&s.Enabled,
		&s.RealtimeEnabled,
		&s.PushEnabled,
		&s.EmailEnabled,
		&s.SMSEnabled,
		&s.Categories,
		&s.MinPriority,
		&s.QuietStart,
		&s.QuietEnd,
		&s.Timezone,
		&s.Email,
		&s.Phone,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	if s.Categories == nil {
		s.Categories = map[string]bool{}
	}
	return &s, nil
}

// UpsertSettings stores s, replacing any previous row for the user.
func (r *Repository) UpsertSettings(ctx context.Context, s *Settings) error {
	query := `
		INSERT INTO notification_settings (
			user_id, enabled, realtime_enabled, push_enabled, email_enabled, sms_enabled,
			categories, min_priority, quiet_start, quiet_end, timezone, email, phone
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			realtime_enabled = EXCLUDED.realtime_enabled,
			push_enabled = EXCLUDED.push_enabled,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			categories = EXCLUDED.categories,
			min_priority = EXCLUDED.min_priority,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			timezone = EXCLUDED.timezone,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			updated_at = NOW()
		RETURNING updated_at
	`

	categories := s.Categories
	if categories == nil {
		categories = map[string]bool{}
	}

	err := r.db.Pool().QueryRow(ctx, query,
		s.UserID,
		s.Enabled,
		s.RealtimeEnabled,
		s.PushEnabled,
		s.EmailEnabled,
		s.SMSEnabled,
		categories,
		s.MinPriority,
		s.QuietStart,
		s.QuietEnd,
		s.Timezone,
		s.Email,
		s.Phone,
	).Scan(&s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to upsert settings",
			zap.Error(err),
			zap.String("user_id", s.UserID.String()),
		)
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// ListDevices returns every push target registered for the user.
func (r *Repository) ListDevices(ctx context.Context, userID uuid.UUID) ([]*Device, error) {
	query := `
		SELECT id, user_id, platform, token, p256dh, auth, created_at, updated_at
		FROM user_devices
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.P256dh, &d.Auth, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return devices, nil
}

// UpsertDevice registers d. Re-registering the same token refreshes its
// keys and keeps the original id.
func (r *Repository) UpsertDevice(ctx context.Context, d *Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	query := `
		INSERT INTO user_devices (id, user_id, platform, token, p256dh, auth)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, platform, token) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, d.ID, d.UserID, d.Platform, d.Token, d.P256dh, d.Auth).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	r.logger.Info("device registered",
		zap.String("device_id", d.ID.String()),
		zap.String("user_id", d.UserID.String()),
		zap.String("platform", d.Platform),
	)
	return nil
}

// DeleteDevice removes one of the user's devices.
func (r *Repository) DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM user_devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return nil
}
