package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/metrics"
)

// RouterConfig wires the optional pieces of the HTTP surface.
type RouterConfig struct {
	// Limiter enables per-user rate limiting on /v1 when set.
	Limiter Limiter
	// Realtime serves GET /ws when set.
	Realtime       http.Handler
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter mounts every route of the gateway.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-User-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "X-Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The WebSocket upgrade needs the raw connection, so it stays outside
	// the timeout and metrics wrappers.
	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(metrics.Middleware)
		r.Use(RequestLogger(logger))

		r.Get("/health", h.Health)
		r.Handle("/metrics", metrics.Handler())

		r.Route("/v1", func(r chi.Router) {
			if cfg.Limiter != nil {
				r.Use(RateLimitMiddleware(cfg.Limiter, logger, UserKeyFunc))
			}

			r.Post("/notifications", h.CreateNotification)
			r.Post("/notifications/broadcast", h.BroadcastNotification)
			r.Get("/notifications/{id}", h.GetNotification)
			r.Get("/notifications/{id}/delivery", h.GetDelivery)
			r.Post("/notifications/{id}/read", h.MarkRead)

			r.Get("/users/{userID}/notifications", h.ListNotifications)
			r.Get("/users/{userID}/settings", h.GetSettings)
			r.Put("/users/{userID}/settings", h.UpdateSettings)
			r.Post("/users/{userID}/devices", h.RegisterDevice)
			r.Delete("/users/{userID}/devices/{deviceID}", h.DeleteDevice)

			r.Get("/queue/stats", h.QueueStats)
		})
	})

	return r
}
