package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/busysync/internal/audit"
	"gitea.jw6.us/james/busysync/internal/auth"
	"gitea.jw6.us/james/busysync/internal/config"
	"gitea.jw6.us/james/busysync/internal/http/ratelimit"
	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/store"
	"gitea.jw6.us/james/busysync/internal/syncer"
)

// Syncer is the orchestrator surface used by the HTTP layer.
type Syncer interface {
	Trigger(ctx context.Context, calendarID int64, hint syncer.Hint) (syncer.RunResult, error)
	CalendarForChannel(ctx context.Context, channelID, token string) (*store.Calendar, error)
	Subscribe(ctx context.Context, calendarID int64) error
	SetCalendarOptions(ctx context.Context, calendarID int64, opts syncer.CalendarOptions) (*store.Calendar, error)
	DiscoverCalendars(ctx context.Context, accountID int64) ([]store.Calendar, error)
	DisconnectAccount(ctx context.Context, accountID int64) error
}

// Auditor is the consistency auditor surface used by the admin API.
type Auditor interface {
	Audit(ctx context.Context, userID int64) (audit.Findings, error)
	Repair(ctx context.Context, f audit.Findings) audit.RepairResult
}

// Deps groups what the router serves.
type Deps struct {
	Store   *store.Store
	Syncer  Syncer
	Auditor Auditor
	// Auth guards the admin API; admin routes are not mounted when nil.
	Auth *auth.Service
	// Jobs runs push-triggered syncs; the caller drains it on shutdown. A
	// private group is used when nil.
	Jobs   *Jobs
	Logger *slog.Logger
}

// NewRouter wires health, metrics, push notification and admin routes.
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jobs := deps.Jobs
	if jobs == nil {
		jobs = NewJobs()
	}
	r := chi.NewRouter()

	// Webhooks: per-IP 20 rps burst 50, plus per-channel 2 rps burst 10.
	webhookIPLimiter := ratelimit.NewLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)
	channelLimiter := ratelimit.NewLimiter(rate.Limit(2), 10, 5*time.Minute, nil)
	// Admin API: 5 requests per second, burst of 10
	adminLimiter := ratelimit.NewLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := deps.Store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	hooks := &webhookHandler{
		syncer:   deps.Syncer,
		limiter:  channelLimiter,
		log:      logger.With("component", "webhook"),
		dispatch: jobs.Go,
	}
	r.With(webhookIPLimiter.Middleware()).Post("/webhooks/google", hooks.ServeHTTP)

	if deps.Auth != nil {
		admin := &adminHandler{store: deps.Store, syncer: deps.Syncer, auditor: deps.Auditor}
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminLimiter.Middleware())
			r.Use(deps.Auth.RequireAdmin)
			r.Patch("/calendars/{id}", admin.UpdateCalendar)
			r.Post("/calendars/{id}/sync", admin.SyncCalendar)
			r.Post("/calendars/{id}/subscribe", admin.SubscribeCalendar)
			r.Get("/calendars/{id}/runs", admin.ListRuns)
			r.Post("/users/{id}/audit", admin.AuditUser)
			r.Post("/accounts/{id}/discover", admin.DiscoverCalendars)
			r.Post("/accounts/{id}/disconnect", admin.DisconnectAccount)
		})
	}

	return r
}
