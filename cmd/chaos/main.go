package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"libradmin/internal/accounts"
	"libradmin/internal/catalog"
	"libradmin/internal/chaos"
	"libradmin/internal/config"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
	"libradmin/internal/fines"
	"libradmin/internal/lib/logger"
	"libradmin/internal/lib/sl"
	"libradmin/internal/notify"
	"libradmin/internal/settings"
	"libradmin/internal/telemetry"
)

func main() {
	concurrency := flag.Int("concurrency", 20, "requests fired at once per experiment")
	flag.Parse()

	os.Exit(run(*concurrency))
}

// run returns the exit code: 1 when the game day could not run, 2 when an invariant broke.
func run(concurrency int) int {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Error("failed to set up tracing", sl.Err(err))
		return 1
	}
	defer shutdown(context.Background())

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", sl.Err(err))
		return 1
	}
	defer db.Close()

	events := eventstore.New(db)
	rules := settings.NewService(db, events)
	target := chaos.Target{
		DB: db,
		// The log gateway keeps seeded accounts from sending real mail.
		Accounts: accounts.NewService(db, events, notify.New(config.SMTP{Mode: "log"}, log), log, accounts.Options{}),
		Fines:    fines.NewService(db, events, rules, catalog.NewService(db, nil, log), log),
		Rules:    rules,
	}

	engine := chaos.NewEngine(log)
	held, err := engine.GameDay(ctx, "invariant game day", chaos.Experiments(target, concurrency))
	if err != nil {
		log.Error("game day aborted", sl.Err(err))
		return 1
	}
	if !held {
		log.Error("invariants violated", slog.Int("experiments", len(engine.Results())))
		return 2
	}
	log.Info("all invariants held")
	return 0
}
