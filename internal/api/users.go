package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/db"
	"github.com/sproutogroup/dealernotify/internal/notify"
)

// SettingsRequest is the body of PUT /v1/users/{userID}/settings. Omitted
// toggles keep their stored values.
type SettingsRequest struct {
	Enabled         *bool           `json:"enabled,omitempty"`
	RealtimeEnabled *bool           `json:"realtime_enabled,omitempty"`
	PushEnabled     *bool           `json:"push_enabled,omitempty"`
	EmailEnabled    *bool           `json:"email_enabled,omitempty"`
	SMSEnabled      *bool           `json:"sms_enabled,omitempty"`
	Categories      map[string]bool `json:"categories,omitempty"`
	MinPriority     *string         `json:"min_priority,omitempty"`
	QuietStart      *string         `json:"quiet_start,omitempty"`
	QuietEnd        *string         `json:"quiet_end,omitempty"`
	Timezone        *string         `json:"timezone,omitempty"`
	Email           *string         `json:"email,omitempty"`
	Phone           *string         `json:"phone,omitempty"`
}

// GetSettings handles GET /v1/users/{userID}/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID", "Invalid user ID")
	if !ok {
		return
	}

	s, err := h.repo.GetSettings(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get settings", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get settings", "")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// UpdateSettings handles PUT /v1/users/{userID}/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID", "Invalid user ID")
	if !ok {
		return
	}

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	s, err := h.repo.GetSettings(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get settings", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get settings", "")
		return
	}

	if err := req.apply(s); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid settings", err.Error())
		return
	}

	if err := h.repo.UpsertSettings(r.Context(), s); err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save settings", "")
		return
	}

	h.logger.Info("notification settings updated", zap.String("user_id", userID.String()))
	h.writeJSON(w, http.StatusOK, s)
}

func (req *SettingsRequest) apply(s *db.Settings) error {
	setBool := func(src *bool, dst *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(req.Enabled, &s.Enabled)
	setBool(req.RealtimeEnabled, &s.RealtimeEnabled)
	setBool(req.PushEnabled, &s.PushEnabled)
	setBool(req.EmailEnabled, &s.EmailEnabled)
	setBool(req.SMSEnabled, &s.SMSEnabled)

	if req.Categories != nil {
		for k := range req.Categories {
			if !notify.Category(k).Valid() {
				return errors.New("unknown category: " + k)
			}
		}
		s.Categories = req.Categories
	}

	if req.MinPriority != nil {
		if *req.MinPriority == "" {
			s.MinPriority = nil
		} else {
			p, err := notify.ParsePriority(*req.MinPriority)
			if err != nil {
				return err
			}
			name := p.String()
			s.MinPriority = &name
		}
	}

	if req.QuietStart != nil || req.QuietEnd != nil || req.Timezone != nil {
		s.QuietStart, s.QuietEnd = emptyToNil(req.QuietStart), emptyToNil(req.QuietEnd)
		if req.Timezone != nil {
			s.Timezone = emptyToNil(req.Timezone)
		}
		if (s.QuietStart == nil) != (s.QuietEnd == nil) {
			return errors.New("quiet_start and quiet_end must be set together")
		}
		if s.QuietStart != nil {
			q := notify.QuietHours{Start: *s.QuietStart, End: *s.QuietEnd}
			if s.Timezone != nil {
				q.Timezone = *s.Timezone
			}
			if err := q.Validate(); err != nil {
				return err
			}
		}
	}

	if req.Email != nil {
		s.Email = emptyToNil(req.Email)
	}
	if req.Phone != nil {
		s.Phone = emptyToNil(req.Phone)
	}
	return nil
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

// RegisterDevice handles POST /v1/users/{userID}/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID", "Invalid user ID")
	if !ok {
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	platform, err := notify.ParsePlatform(req.Platform)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid platform", "platform must be web, ios or android")
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing token", "token is required")
		return
	}
	if platform == notify.PlatformWeb && (req.P256dh == "" || req.Auth == "") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Incomplete subscription",
			"web devices need p256dh and auth keys")
		return
	}

	d := &db.Device{
		UserID:   userID,
		Platform: string(platform),
		Token:    req.Token,
		P256dh:   req.P256dh,
		Auth:     req.Auth,
	}
	if err := h.repo.UpsertDevice(r.Context(), d); err != nil {
		h.logger.Error("failed to register device", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register device", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, d)
}

// DeleteDevice handles DELETE /v1/users/{userID}/devices/{deviceID}
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID", "Invalid user ID")
	if !ok {
		return
	}
	deviceID, ok := h.pathUUID(w, r, "deviceID", "Invalid device ID")
	if !ok {
		return
	}

	if err := h.repo.DeleteDevice(r.Context(), userID, deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Device not found", "")
			return
		}
		h.logger.Error("failed to delete device", zap.Error(err), zap.String("device_id", deviceID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete device", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
