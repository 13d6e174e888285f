package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// RouterConfig carries everything the HTTP surface mounts.
type RouterConfig struct {
	Logger        *zap.Logger
	Handler       *Handler
	Auth          *auth.Service
	Realtime      http.Handler // the WebSocket handshake endpoint
	InternalToken string
	Limiter       Limiter // nil disables rate limiting
	Health        func(r *http.Request) error
}

// NewRouter builds the chi router: /ws, the /v1 REST API, /health and /metrics.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	// no request timeout here, the handler holds the upgraded connection
	r.Method(http.MethodGet, "/ws", cfg.Realtime)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(cfg.Auth, cfg.Logger))
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, UserKeyFunc))

			r.Get("/notifications", cfg.Handler.ListNotifications)
			r.Patch("/notifications/read-all", cfg.Handler.MarkAllRead)
			r.Patch("/notifications/{id}/read", cfg.Handler.MarkRead)
			r.Delete("/notifications/{id}", cfg.Handler.DeleteNotification)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.InternalToken(cfg.InternalToken, cfg.Logger))

			r.Post("/notifications", cfg.Handler.CreateNotification)
			r.Post("/internal/users/{userId}/disconnect", cfg.Handler.DisconnectUser)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r); err != nil {
				cfg.Logger.Warn("health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("UNAVAILABLE"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
