package fines

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/accounts"
	"libradmin/internal/apperr"
	"libradmin/internal/catalog"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
	"libradmin/internal/metrics"
	"libradmin/internal/settings"
)

// service implements the Service interface.
type service struct {
	db        *sql.DB
	ledger    *Ledger
	dir       *accounts.Directory
	events    *eventstore.Store
	rules     RulesSource
	materials Materials
	engine    Engine
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates the fine ledger service.
func NewService(db *sql.DB, events *eventstore.Store, rules RulesSource, materials Materials, log *slog.Logger) Service {
	return newService(db, events, rules, materials, log)
}

func newService(db *sql.DB, events *eventstore.Store, rules RulesSource, materials Materials, log *slog.Logger) *service {
	return &service{
		db:        db,
		ledger:    NewLedger(),
		dir:       accounts.NewDirectory(),
		events:    events,
		rules:     rules,
		materials: materials,
		log:       log,
		tracer:    otel.Tracer("libradmin/fines"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Issue validates and records a fine. The counter increment, the auto-block decision, the
// block, its sanction and both journal entries share one transaction: either all of them are
// stored or none is.
func (s *service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	ctx, span := s.tracer.Start(ctx, "fines.issue",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID.String()),
			attribute.String("material.id", req.MaterialID.String()),
			attribute.String("fine.kind", req.Kind),
			attribute.Int64("fine.amount", req.Amount),
		),
	)
	defer span.End()

	kind, err := ParseKind(req.Kind)
	if err != nil {
		return nil, s.rejected(err)
	}

	snap, err := s.rules.Current(ctx)
	if err != nil {
		return nil, s.rejected(err)
	}
	rules := snap.Rules

	if err := s.engine.CheckAmount(req.Amount, rules); err != nil {
		return nil, s.rejected(err)
	}

	material, err := s.materials.Get(ctx, req.MaterialID)
	if errors.Is(err, catalog.ErrMaterialNotFound) {
		material, err = nil, nil
	}
	if err != nil {
		return nil, s.rejected(err)
	}

	fine := &Fine{
		ID:          uuid.New(),
		UserID:      req.UserID,
		MaterialID:  req.MaterialID,
		Kind:        kind,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		Status:      StatusPending,
	}
	var (
		counters accounts.Counters
		decision Decision
	)
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		debtor, err := s.dir.FindByID(ctx, tx, req.UserID, false)
		if errors.Is(err, accounts.ErrUserNotFound) {
			debtor, err = nil, nil
		}
		if err != nil {
			return err
		}
		if err := s.engine.ValidateIssue(req.Amount, debtor, material, rules); err != nil {
			return err
		}

		if err := s.ledger.Insert(ctx, tx, fine); err != nil {
			return err
		}

		// The guarded increment is the authoritative debtor check: a reader blocked or
		// deactivated since the read above is refused here.
		counters, err = s.dir.IncrementFineCounters(ctx, tx, req.UserID, req.Amount, kind == KindLoss)
		if errors.Is(err, accounts.ErrNotActiveReader) {
			return ErrInvalidDebtor
		}
		if err != nil {
			return err
		}

		if err := s.events.Record(ctx, tx, fine.ID, eventstore.AggregateFine, EventFineIssued, FineIssuedEvent{
			ID:         fine.ID,
			UserID:     fine.UserID,
			MaterialID: fine.MaterialID,
			Kind:       fine.Kind,
			Amount:     fine.Amount,
		}, nil); err != nil {
			return err
		}

		decision = s.engine.DecideAutoBlock(counters, rules)
		if !decision.Block {
			return nil
		}
		if err := s.dir.SetBlocked(ctx, tx, req.UserID, decision.Reason, decision.Detail); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, req.UserID, eventstore.AggregateUser, accounts.EventUserBlocked, accounts.UserBlockedEvent{
			ID:     req.UserID,
			Reason: decision.Reason,
			Detail: decision.Detail,
		}, map[string]any{"fine_id": fine.ID.String()})
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	metrics.FineIssued(string(kind))
	res := &IssueResult{Fine: fine, LostMaterials: counters.LostMaterials}
	if decision.Block {
		res.AutoBlocked = true
		res.Warning = decision.Reason
		metrics.UserBlocked(metrics.TriggerLosses)
		s.log.Warn("reader blocked automatically",
			slog.String("user_id", req.UserID.String()),
			slog.Int("lost_materials", counters.LostMaterials),
		)
	}

	span.SetAttributes(attribute.Bool("fine.auto_block", decision.Block))
	s.log.Info("fine issued",
		slog.String("fine_id", fine.ID.String()),
		slog.String("user_id", req.UserID.String()),
		slog.String("kind", string(kind)),
		slog.Int64("amount", req.Amount),
	)
	return res, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Fine, error) {
	ctx, span := s.tracer.Start(ctx, "fines.get", trace.WithAttributes(attribute.String("fine.id", id.String())))
	defer span.End()

	f, err := s.ledger.Get(ctx, s.db, id, false)
	if err != nil {
		return nil, s.rejected(err)
	}
	if f == nil {
		return nil, ErrNotPending.WithMessage("fine %s not found", id)
	}
	return f, nil
}

func (s *service) List(ctx context.Context) ([]Fine, error) {
	ctx, span := s.tracer.Start(ctx, "fines.list")
	defer span.End()

	list, err := s.ledger.ListRecent(ctx, s.db, ListLimit)
	if err != nil {
		return nil, s.rejected(err)
	}
	return list, nil
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) (*UserFines, error) {
	ctx, span := s.tracer.Start(ctx, "fines.list_by_user", trace.WithAttributes(attribute.String("user.id", userID.String())))
	defer span.End()

	u, err := s.dir.FindByID(ctx, s.db, userID, false)
	if err != nil {
		return nil, s.rejected(err)
	}
	list, err := s.ledger.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, s.rejected(err)
	}

	view := &UserFines{
		UserID:        u.ID,
		Name:          u.Name,
		Email:         u.Email,
		TotalFines:    u.TotalFines,
		PendingFines:  u.PendingFines,
		LostMaterials: u.LostMaterials,
		Fines:         list,
		Count:         len(list),
	}
	for _, f := range list {
		if f.Status == StatusPending {
			view.PendingCount++
		}
	}
	return view, nil
}

// Pay settles a PENDING fine. The row lock serializes concurrent settlements of one fine.
func (s *service) Pay(ctx context.Context, id uuid.UUID) (*Fine, error) {
	ctx, span := s.tracer.Start(ctx, "fines.pay", trace.WithAttributes(attribute.String("fine.id", id.String())))
	defer span.End()

	var fine *Fine
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if fine, err = s.ledger.Get(ctx, tx, id, true); err != nil {
			return err
		}
		if err := s.engine.ValidatePayment(fine); err != nil {
			return err
		}

		paidAt := s.now()
		if err := s.ledger.SetStatus(ctx, tx, id, StatusPaid, &paidAt, ""); err != nil {
			return err
		}
		if err := s.dir.ReleaseFine(ctx, tx, fine.UserID, 0); err != nil {
			return err
		}
		fine.Status = StatusPaid
		fine.PaidAt = &paidAt

		return s.events.Record(ctx, tx, id, eventstore.AggregateFine, EventFinePaid, FineSettledEvent{
			ID:     id,
			UserID: fine.UserID,
			Status: StatusPaid,
			Amount: fine.Amount,
		}, nil)
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	metrics.FineSettled(string(StatusPaid))
	s.log.Info("fine paid", slog.String("fine_id", id.String()), slog.String("user_id", fine.UserID.String()))
	return fine, nil
}

// Cancel voids a PENDING fine and takes its amount off the debtor's total.
func (s *service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Fine, error) {
	ctx, span := s.tracer.Start(ctx, "fines.cancel", trace.WithAttributes(attribute.String("fine.id", id.String())))
	defer span.End()

	reason = strings.TrimSpace(reason)
	var fine *Fine
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if fine, err = s.ledger.Get(ctx, tx, id, true); err != nil {
			return err
		}
		if err := s.engine.ValidateCancellation(fine); err != nil {
			return err
		}

		if err := s.ledger.SetStatus(ctx, tx, id, StatusCancelled, nil, reason); err != nil {
			return err
		}
		if err := s.dir.ReleaseFine(ctx, tx, fine.UserID, fine.Amount); err != nil {
			return err
		}
		fine.Status = StatusCancelled
		fine.CancelReason = reason

		return s.events.Record(ctx, tx, id, eventstore.AggregateFine, EventFineCancelled, FineSettledEvent{
			ID:     id,
			UserID: fine.UserID,
			Status: StatusCancelled,
			Amount: fine.Amount,
			Reason: reason,
		}, nil)
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	metrics.FineSettled(string(StatusCancelled))
	s.log.Info("fine cancelled", slog.String("fine_id", id.String()), slog.String("reason", reason))
	return fine, nil
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "fines.stats")
	defer span.End()

	st, err := s.ledger.Stats(ctx, s.db)
	if err != nil {
		return Stats{}, s.rejected(err)
	}
	return st, nil
}

func (s *service) Sanctions(ctx context.Context, userID uuid.UUID) ([]Sanction, error) {
	list, err := s.ledger.Sanctions(ctx, s.db, userID)
	if err != nil {
		return nil, s.rejected(err)
	}
	return list, nil
}

func (s *service) History(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error) {
	events, err := s.events.Load(ctx, id, 1, 0)
	if err != nil {
		return nil, apperr.Dependency(err, "could not read fine history")
	}
	return events, nil
}

// rejected passes typed failures through and maps the rest to the fine ledger's internal code.
func (s *service) rejected(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperr.KindValidation || appErr.Kind == apperr.KindConflict {
			metrics.RuleRejected(string(appErr.Code))
		}
		return err
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return apperr.Conflict(apperr.CodeFineInternal, "ConcurrentUpdate", "the fine was modified concurrently, retry")
	}
	return &apperr.Error{
		Kind:    apperr.KindDependency,
		Code:    apperr.CodeFineInternal,
		Reason:  "DependencyFailure",
		Message: "fine ledger unavailable",
		Err:     err,
	}
}

var (
	_ RulesSource = (settings.Service)(nil)
	_ Materials   = (catalog.Service)(nil)
)
