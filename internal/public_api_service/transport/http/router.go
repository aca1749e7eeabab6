package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexreach/golang_services/internal/public_api_service/middleware"
)

// RouterDeps are the collaborators behind the public API.
type RouterDeps struct {
	Cases         CaseService
	Credentials   CredentialService
	Replies       ReplyService
	JWTSecret     []byte
	WebhookSecret string
	Limiter       *middleware.IPRateLimiter
	Ready         func(ctx context.Context) error // nil means always ready
	Logger        *slog.Logger
}

// NewRouter builds the /v1 API plus /healthz and /metrics.
func NewRouter(d RouterDeps) http.Handler {
	validate := validator.New()
	outreach := NewOutreachHandler(d.Cases, d.Logger, validate)
	oauth := NewOAuthHandler(d.Credentials, d.Logger)
	webhooks := NewWebhookHandler(d.Replies, d.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				d.Logger.WarnContext(r.Context(), "Readiness check failed", "error", err)
				writeJSON(w, d.Logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, d.Logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if d.Limiter != nil {
			v1.Use(d.Limiter.Middleware(d.Logger))
		}

		oauth.RegisterCallbackRoutes(v1)

		v1.Group(func(hooks chi.Router) {
			hooks.Use(middleware.WebhookSecret(d.WebhookSecret, d.Logger))
			webhooks.RegisterRoutes(hooks)
		})

		v1.Group(func(protected chi.Router) {
			protected.Use(middleware.AuthMiddleware(d.JWTSecret, d.Logger))
			outreach.RegisterRoutes(protected)
			oauth.RegisterProtectedRoutes(protected)
		})
	})
	return r
}
