/**
 * @description
 * This file sets up the HTTP router for the auth service using the go-chi/chi router.
 * It applies middleware for logging, CORS, rate limiting and session resolution,
 * and maps the routes to their handler functions.
 */
package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/pkg/ratelimit"
)

// RouterConfig carries the cross-cutting settings of the router.
type RouterConfig struct {
	AllowedOrigins []string
	LoginLimiter   ratelimit.Limiter
	TrustedProxies []netip.Prefix
	Logger         *zap.Logger
}

// NewRouter creates a new Chi router and registers the auth service routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(TrustedRealIP(cfg.TrustedProxies))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Auth service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(RateLimitMiddleware(cfg.LoginLimiter, "login", logger)).Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(h.clients))

		r.Post("/auth/logout", h.handleLogout)
		r.Get("/auth/session", h.handleGetSession)
		r.Get("/auth/permissions/{action}", h.handleCheckPermission)

		r.Route("/auth/pin", func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.LoginLimiter, "pin", logger))
			r.Post("/verify", h.handleVerifyPin)
			r.Post("/setup", h.handleSetupPin)
			r.Post("/reset", h.handleResetPin)
		})

		r.Put("/admin/security-settings", h.handleUpdateSecuritySettings)

		r.Route("/secure-actions", func(r chi.Router) {
			r.Post("/challenge/pin", h.handleSubmitChallengePin)
			r.Delete("/challenge", h.handleCancelChallenge)
			r.Post("/{action}", h.handleSecureAction)
		})
	})

	return r
}
