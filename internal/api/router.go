// Package api assembles the HTTP surface: middleware, health, metrics and the versioned routes
// of every service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"libradmin/internal/accounts"
	"libradmin/internal/api/response"
	"libradmin/internal/apperr"
	"libradmin/internal/catalog"
	"libradmin/internal/complaints"
	"libradmin/internal/fines"
	"libradmin/internal/metrics"
	"libradmin/internal/reports"
	"libradmin/internal/settings"
)

// Services are the backends the routes delegate to.
type Services struct {
	Accounts   accounts.Service
	Catalog    catalog.Service
	Fines      fines.Service
	Complaints complaints.Service
	Settings   settings.Service
	Reports    reports.Service
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Options struct {
	AllowedOrigins []string
	Timeout        time.Duration
}

func NewRouter(log *slog.Logger, db Pinger, svc Services, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(log),
		middleware.Recoverer,
		metrics.Instrument,
		cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"Content-Disposition"},
			MaxAge:         300,
		}),
	)

	r.Get("/healthz", health(log, db))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.Timeout > 0 {
			r.Use(middleware.Timeout(opts.Timeout))
		}

		users := accounts.NewHandler(log, svc.Accounts)
		r.Route("/users", users.Routes)
		r.Route("/auth", users.AuthRoutes)
		r.Route("/materials", catalog.NewHandler(log, svc.Catalog).Routes)
		r.Route("/fines", fines.NewHandler(log, svc.Fines).Routes)
		r.Route("/complaints", complaints.NewHandler(log, svc.Complaints).Routes)
		r.Route("/settings", settings.NewHandler(log, svc.Settings).Routes)
		r.Route("/reports", reports.NewHandler(log, svc.Reports).Routes)
	})

	return r
}

func health(log *slog.Logger, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			response.Fail(w, r, log.With(slog.String("op", "handlers.health")), apperr.Dependency(err, "database unreachable"))
			return
		}
		render.JSON(w, r, response.OK())
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request completed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
