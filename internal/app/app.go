// Package app wires configuration, storage and services into the running HTTP service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"libradmin/internal/accounts"
	"libradmin/internal/api"
	"libradmin/internal/cache"
	"libradmin/internal/catalog"
	"libradmin/internal/complaints"
	"libradmin/internal/config"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
	"libradmin/internal/fines"
	"libradmin/internal/lib/sl"
	"libradmin/internal/notify"
	"libradmin/internal/reports"
	"libradmin/internal/settings"
	"libradmin/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	server    *http.Server
	log       *slog.Logger
	db        *sql.DB
	cache     *cache.Cache
	sweeper   *fines.Sweeper
	sweepSpec string
	telemetry func(context.Context) error
}

// New opens every dependency. Redis is optional: when it is unset or unreachable the catalog
// reads straight from Postgres.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(db); err != nil {
			db.Close()
			_ = shutdownTracing(ctx)
			return nil, err
		}
		log.Info("migrations applied")
	}

	var (
		redisCache   *cache.Cache
		catalogCache catalog.Cache
	)
	if cfg.Redis.Addr != "" {
		redisCache, err = cache.New(ctx, cfg.Redis)
		if err != nil {
			log.Warn("catalog cache disabled", slog.String("addr", cfg.Redis.Addr), sl.Err(err))
		} else {
			catalogCache = redisCache
		}
	}

	events := eventstore.New(db)
	rules := settings.NewService(db, events)
	materials := catalog.NewService(db, catalogCache, log)
	finesSvc := fines.NewService(db, events, rules, materials, log)

	services := api.Services{
		Accounts: accounts.NewService(db, events, notify.New(cfg.SMTP, log), log, accounts.Options{
			LoginPerMinute: cfg.RateLimit.LoginPerMinute,
			LoginBurst:     cfg.RateLimit.LoginBurst,
		}),
		Catalog:    materials,
		Fines:      finesSvc,
		Complaints: complaints.NewService(db, log),
		Settings:   rules,
		Reports:    reports.NewService(db),
	}

	router := api.NewRouter(log, db, services, api.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Timeout:        cfg.HTTPServer.WriteTimeout,
	})

	return &App{
		server: &http.Server{
			Addr:         net.JoinHostPort("", cfg.HTTPServer.Port),
			Handler:      router,
			ReadTimeout:  cfg.HTTPServer.ReadTimeout,
			WriteTimeout: cfg.HTTPServer.WriteTimeout,
			IdleTimeout:  cfg.HTTPServer.IdleTimeout,
		},
		log:       log,
		db:        db,
		cache:     redisCache,
		sweeper:   fines.NewSweeper(db, events, rules, log),
		sweepSpec: cfg.Sweep.Spec,
		telemetry: shutdownTracing,
	}, nil
}

// Run serves until ctx is cancelled and then drains in-flight requests, the sweep, the cache
// and the database in that order.
func (a *App) Run(ctx context.Context) error {
	if a.sweepSpec != "" {
		if err := a.sweeper.Start(a.sweepSpec); err != nil {
			return fmt.Errorf("app.Run: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server starting", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		a.log.Info("shutting down http server gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := []error{runErr}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.sweeper.Stop(shutdownCtx)
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	if err := a.telemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}
