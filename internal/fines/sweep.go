package fines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/accounts"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
	"libradmin/internal/lib/sl"
	"libradmin/internal/metrics"
	"libradmin/internal/settings"
)

// sweepTimeout bounds one scheduled run.
const sweepTimeout = 5 * time.Minute

// Sweeper blocks readers whose oldest pending fine has been unpaid for longer than the
// configured number of months.
type Sweeper struct {
	db     *sql.DB
	ledger *Ledger
	dir    *accounts.Directory
	events *eventstore.Store
	rules  RulesSource
	engine Engine
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	cron   *cron.Cron
}

func NewSweeper(db *sql.DB, events *eventstore.Store, rules RulesSource, log *slog.Logger) *Sweeper {
	return &Sweeper{
		db:     db,
		ledger: NewLedger(),
		dir:    accounts.NewDirectory(),
		events: events,
		rules:  rules,
		log:    log.With(slog.String("component", "fines.sweeper")),
		tracer: otel.Tracer("libradmin/fines"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules Run on spec, a standard cron expression or descriptor such as "@daily".
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.log.Error("overdue sweep failed", sl.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("fines.Sweeper.Start: schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("overdue sweep scheduled", slog.String("spec", spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run performs one sweep and returns how many readers it blocked. Each reader is handled in
// its own transaction, so one failure does not undo the others.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "fines.sweep")
	defer span.End()

	start := time.Now()
	defer func() { metrics.SweepFinished(time.Since(start)) }()

	snap, err := s.rules.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("fines.Sweeper.Run: rules: %w", err)
	}
	now := s.now()
	cutoff := now.AddDate(0, -snap.Rules.UnpaidMonthsBlock, 0)

	ids, err := s.ledger.OverdueDebtors(ctx, s.db, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fines.Sweeper.Run: %w", err)
	}

	var (
		blocked int
		errs    []error
	)
	for _, id := range ids {
		ok, err := s.blockIfOverdue(ctx, id, now, snap.Rules)
		if err != nil {
			s.log.Error("overdue block failed", slog.String("user_id", id.String()), sl.Err(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			blocked++
		}
	}

	span.SetAttributes(attribute.Int("sweep.candidates", len(ids)), attribute.Int("sweep.blocked", blocked))
	s.log.Info("overdue sweep finished", slog.Int("candidates", len(ids)), slog.Int("blocked", blocked))
	return blocked, errors.Join(errs...)
}

// blockIfOverdue re-checks the reader under its row lock, since a payment or a status change
// may have landed after the candidate query.
func (s *Sweeper) blockIfOverdue(ctx context.Context, id uuid.UUID, now time.Time, rules settings.Rules) (bool, error) {
	var blocked bool
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		u, err := s.dir.FindByID(ctx, tx, id, true)
		if errors.Is(err, accounts.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if u.Role != accounts.RoleReader || u.Status != accounts.StatusActive {
			return nil
		}

		oldest, err := s.ledger.OldestPending(ctx, tx, id)
		if err != nil || oldest == nil {
			return err
		}
		decision := s.engine.DecideOverdueBlock(*oldest, now, rules)
		if !decision.Block {
			return nil
		}

		if err := s.dir.SetBlocked(ctx, tx, id, decision.Reason, decision.Detail); err != nil {
			return err
		}
		blocked = true
		return s.events.Record(ctx, tx, id, eventstore.AggregateUser, accounts.EventUserBlocked, accounts.UserBlockedEvent{
			ID:     id,
			Reason: decision.Reason,
			Detail: decision.Detail,
		}, map[string]any{"trigger": metrics.TriggerOverdue})
	})
	if err != nil {
		return false, err
	}
	if blocked {
		metrics.UserBlocked(metrics.TriggerOverdue)
	}
	return blocked, nil
}
