package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarryhott/tagtokn/internal/app"
)

// NewRouter creates a new HTTP router. ctx bounds the background cleanup of
// the rate limiters.
func NewRouter(ctx context.Context, a *app.App) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(RecoverMiddleware)
	r.Use(SecurityHeadersMiddleware(a.Config))

	// CORS: explicit allow-list with credentials, preflight answered below
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     a.Config.CORSOrigins,
		AllowedMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials:   true,
		MaxAge:             300,
		OptionsPassthrough: true,
	}))
	r.Use(PreflightMiddleware)

	// 10 requests per minute per IP, burst of 5
	oauthLimiter := NewRateLimiter(rate.Every(6*time.Second), 5)
	oauthLimiter.CleanupOldLimiters(ctx, 10*time.Minute)

	r.Route("/oauth", func(r chi.Router) {
		r.With(RateLimitMiddleware(oauthLimiter)).Post("/state", HandleIssueState(a.States, a.Metrics))
		r.With(RateLimitMiddleware(oauthLimiter)).Get("/authorize", HandleOAuthAuthorize(a.States, a.Metrics))
		r.Get("/callback", HandleOAuthCallback(a.Linker, a.Metrics))
	})

	r.Get("/webhook", HandleWebhookVerify(a.Config.Webhook, a.Metrics))
	r.Post("/webhook", HandleWebhookEvent(a.Config.Webhook, a.Receiver, a.Metrics))

	// Protected routes
	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(a.Sessions))

		r.Get("/me", HandleGetCurrentUser(a.Identities))
		r.Delete("/me/instagram", HandleUnlinkInstagram(a.Identities))
		r.Post("/messages", HandleSendMessage(a.Sender))
	})

	// Prometheus metrics endpoint (no auth required)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	// Health check
	r.Get("/health", HandleHealth(a))

	return r
}

// HandleHealth reports liveness and database reachability
func HandleHealth(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := a.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
