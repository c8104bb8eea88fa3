package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/db"
	"github.com/sproutogroup/dealernotify/internal/intake"
	"github.com/sproutogroup/dealernotify/internal/notify"
	"github.com/sproutogroup/dealernotify/internal/redis"
	"github.com/sproutogroup/dealernotify/internal/worker"
)

// Repository is the persistence the API reads and writes directly.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, userID uuid.UUID, f db.ListFilter) ([]*db.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	GetSettings(ctx context.Context, userID uuid.UUID) (*db.Settings, error)
	UpsertSettings(ctx context.Context, s *db.Settings) error
	UpsertDevice(ctx context.Context, d *db.Device) error
	DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error
}

// Intake accepts notification requests.
type Intake interface {
	Notify(ctx context.Context, userID uuid.UUID, def intake.Definition, opts intake.Options) (*intake.Result, error)
	Broadcast(ctx context.Context, recipients []uuid.UUID, def intake.Definition, opts intake.Options) intake.BroadcastResult
}

// Queue exposes the delivery ledger and queue statistics.
type Queue interface {
	Delivery(notificationID uuid.UUID) (notify.DeliveryStatus, bool)
	Stats() worker.Stats
}

// Idempotency guards POST /v1/notifications against client retries.
type Idempotency interface {
	Begin(ctx context.Context, userID, key string) (*redis.IdempotencyResult, error)
	Complete(ctx context.Context, userID, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, userID, key string) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	UserID string `json:"user_id"`
	intake.Definition
	Priority     *notify.Priority  `json:"priority,omitempty"`
	Channels     []string          `json:"channels,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Entity       *notify.EntityRef `json:"entity,omitempty"`
	Force        bool              `json:"force,omitempty"`
}

// BroadcastRequest is the body of POST /v1/notifications/broadcast.
type BroadcastRequest struct {
	UserIDs []string `json:"user_ids"`
	intake.Definition
	Priority     *notify.Priority  `json:"priority,omitempty"`
	Channels     []string          `json:"channels,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Entity       *notify.EntityRef `json:"entity,omitempty"`
	Force        bool              `json:"force,omitempty"`
}

// NotificationResponse is returned after a notification is queued.
type NotificationResponse struct {
	ID           string           `json:"id"`
	QueueID      string           `json:"queue_id"`
	Channels     []notify.Channel `json:"channels"`
	ScheduledFor *time.Time       `json:"scheduled_for,omitempty"`
}

// DeviceRequest is the body of POST /v1/users/{userID}/devices.
type DeviceRequest struct {
	Platform string `json:"platform"`
	Token    string `json:"token"`
	P256dh   string `json:"p256dh,omitempty"`
	Auth     string `json:"auth,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	intake      Intake
	queue       Queue
	idempotency Idempotency   // nil if Redis not configured
	health      HealthChecker // nil skips the database check
}

type HandlerOption func(*Handler)

// WithIdempotency enables Idempotency-Key handling.
func WithIdempotency(svc Idempotency) HandlerOption {
	return func(h *Handler) { h.idempotency = svc }
}

// WithHealthCheck makes /health probe hc.
func WithHealthCheck(hc HealthChecker) HandlerOption {
	return func(h *Handler) { h.health = hc }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, in Intake, queue Queue, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger: logger,
		repo:   repo,
		intake: in,
		queue:  queue,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	opts, err := buildOptions(req.Priority, req.Channels, req.ScheduledFor, req.Entity, req.Force)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.Begin(ctx, userID.String(), idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	} else {
		idempotencyKey = ""
	}

	res, err := h.intake.Notify(ctx, userID, req.Definition, opts)
	if err != nil {
		if idempotencyKey != "" {
			if rerr := h.idempotency.Release(ctx, userID.String(), idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeIntakeError(w, err, userID)
		return
	}

	body, _ := json.Marshal(toResponse(res))

	if idempotencyKey != "" {
		result := &redis.IdempotencyResult{StatusCode: http.StatusCreated, Body: body}
		if err := h.idempotency.Complete(ctx, userID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// BroadcastNotification handles POST /v1/notifications/broadcast
func (h *Handler) BroadcastNotification(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_ids", "user_ids must list at least one recipient")
		return
	}

	recipients := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_ids", "every user id must be a valid UUID")
			return
		}
		recipients = append(recipients, id)
	}

	opts, err := buildOptions(req.Priority, req.Channels, req.ScheduledFor, req.Entity, req.Force)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", err.Error())
		return
	}

	res := h.intake.Broadcast(r.Context(), recipients, req.Definition, opts)

	h.logger.Info("broadcast accepted",
		zap.Int("recipients", len(recipients)),
		zap.Int("queued", len(res.Succeeded)),
		zap.Int("rejected", len(res.Rejected)),
	)

	status := http.StatusOK
	if len(res.Succeeded) > 0 {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, res)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "Invalid notification ID")
	if !ok {
		return
	}

	n, err := h.repo.GetNotification(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// GetDelivery handles GET /v1/notifications/{id}/delivery
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "Invalid notification ID")
	if !ok {
		return
	}

	st, found := h.queue.Delivery(id)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery status not found",
			"the queue has no ledger row for this notification")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// ListNotifications handles GET /v1/users/{userID}/notifications
// Query params: limit (default 20, max 100), offset, unread, status
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID", "Invalid user ID")
	if !ok {
		return
	}

	q := r.URL.Query()
	f := db.ListFilter{Limit: 20}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			f.Limit = parsed
		}
	}
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			f.Offset = parsed
		}
	}
	if u := q.Get("unread"); u != "" {
		unread, err := strconv.ParseBool(u)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid unread", "unread must be true or false")
			return
		}
		f.UnreadOnly = unread
	}
	if s := q.Get("status"); s != "" {
		switch notify.Status(s) {
		case notify.StatusPending, notify.StatusPartial, notify.StatusDelivered, notify.StatusFailed:
			f.Status = s
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be pending, partial, delivered or failed")
			return
		}
	}

	notifications, err := h.repo.ListNotifications(r.Context(), userID, f)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"limit":         f.Limit,
		"offset":        f.Offset,
		"count":         len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/{id}/read
// The reader is identified by X-User-ID or the user_id query parameter.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "Invalid notification ID")
	if !ok {
		return
	}
	userID, err := uuid.Parse(callerID(r))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "X-User-ID or user_id must be a valid UUID")
		return
	}

	if err := h.repo.MarkRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "read"})
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.queue.Stats())
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Database unavailable", "")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeIntakeError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, intake.ErrUnknownTemplate), errors.Is(err, intake.ErrInvalidDefinition):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
	case intake.IsRejection(err):
		h.writeError(w, http.StatusUnprocessableEntity, "notification_rejected", "Notification rejected", err.Error())
	default:
		h.logger.Error("failed to queue notification", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "intake_error", "Failed to queue notification", "")
	}
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func buildOptions(priority *notify.Priority, channels []string, scheduledFor *time.Time, entity *notify.EntityRef, force bool) (intake.Options, error) {
	opts := intake.Options{
		Priority:     priority,
		ScheduledFor: scheduledFor,
		Entity:       entity,
		Force:        force,
	}
	for _, raw := range channels {
		ch, err := notify.ParseChannel(raw)
		if err != nil {
			return intake.Options{}, err
		}
		opts.Channels = append(opts.Channels, ch)
	}
	return opts, nil
}

func toResponse(res *intake.Result) NotificationResponse {
	return NotificationResponse{
		ID:           res.NotificationID.String(),
		QueueID:      res.QueueID.String(),
		Channels:     res.Channels,
		ScheduledFor: res.ScheduledFor,
	}
}

// callerID returns the trusted caller identity.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
