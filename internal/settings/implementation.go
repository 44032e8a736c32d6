package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/apperr"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
)

var (
	ErrInvalidRules = apperr.Validation(apperr.CodeInvalidSettings, "InvalidSettings", "invalid business rules")
	ErrStaleVersion = apperr.Conflict(apperr.CodeStaleSettings, "StaleSettings", "business rules changed since they were read")
)

// service implements the Service interface.
type service struct {
	db       *sql.DB
	events   *eventstore.Store
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewService creates a configuration store backed by the business_rules table.
func NewService(db *sql.DB, events *eventstore.Store) Service {
	return &service{
		db:       db,
		events:   events,
		validate: validator.New(),
		tracer:   otel.Tracer("libradmin/settings"),
	}
}

// Validate checks field ranges and the damage bounds ordering.
func Validate(v *validator.Validate, r Rules) error {
	if err := v.Struct(r); err != nil {
		return ErrInvalidRules.WithMessage("invalid business rules: %v", err)
	}
	if r.DamageFineMin >= r.DamageFineMax {
		return ErrInvalidRules.WithMessage("multa_dano_min must be lower than multa_dano_max")
	}
	return nil
}

const currentQuery = `
	SELECT br.rules, br.updated_by, br.created_at,
		(SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1)
	FROM business_rules br
	ORDER BY br.id DESC
	LIMIT 1
`

// Current returns the latest rule set, or the defaults when none was ever stored.
func (s *service) Current(ctx context.Context) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "settings.current")
	defer span.End()

	snap, err := loadCurrent(ctx, s.db)
	if err != nil {
		return Snapshot{}, apperr.Dependency(err, "could not read business rules")
	}
	span.SetAttributes(attribute.Int("settings.version", snap.Version))
	return snap, nil
}

// Update appends a new revision and journals the change in the same transaction.
func (s *service) Update(ctx context.Context, req UpdateRequest) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "settings.update",
		trace.WithAttributes(attribute.String("settings.updated_by", req.UpdatedBy)),
	)
	defer span.End()

	if err := Validate(s.validate, req.Rules); err != nil {
		return Snapshot{}, err
	}

	var out Snapshot
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := database.AdvisoryLock(ctx, tx, database.LockSettings); err != nil {
			return err
		}

		prev, err := loadCurrent(ctx, tx)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != prev.Version {
			return ErrStaleVersion.WithMessage("business rules are at version %d, not %d", prev.Version, *req.ExpectedVersion)
		}

		payload, err := json.Marshal(req.Rules)
		if err != nil {
			return fmt.Errorf("marshal rules: %w", err)
		}
		var createdAt time.Time
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO business_rules (rules, updated_by)
			VALUES ($1, $2)
			RETURNING created_at
		`, payload, req.UpdatedBy).Scan(&createdAt); err != nil {
			return fmt.Errorf("insert business rules: %w", err)
		}

		data, err := json.Marshal(RulesUpdatedEvent{Previous: prev.Rules, Current: req.Rules, UpdatedBy: req.UpdatedBy})
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		if err := s.events.Append(ctx, tx, aggregateID, eventstore.AggregateSettings, prev.Version, []eventstore.Event{{
			EventType: "RulesUpdated",
			EventData: data,
		}}); err != nil {
			return err
		}

		out = Snapshot{Rules: req.Rules, Version: prev.Version + 1, UpdatedBy: req.UpdatedBy, UpdatedAt: &createdAt}
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		switch {
		case errors.As(err, &appErr):
			return Snapshot{}, err
		case errors.Is(err, eventstore.ErrConcurrencyConflict):
			return Snapshot{}, ErrStaleVersion
		default:
			return Snapshot{}, apperr.Dependency(err, "could not store business rules")
		}
	}

	span.SetAttributes(attribute.Int("settings.version", out.Version))
	return out, nil
}

// History returns the latest revisions, newest first.
func (s *service) History(ctx context.Context) ([]Revision, error) {
	ctx, span := s.tracer.Start(ctx, "settings.history")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rules, updated_by, created_at
		FROM business_rules
		ORDER BY id DESC
		LIMIT $1
	`, HistoryLimit)
	if err != nil {
		return nil, apperr.Dependency(err, "could not read business rules history")
	}
	defer rows.Close()

	revisions := make([]Revision, 0, HistoryLimit)
	for rows.Next() {
		var (
			rev Revision
			raw []byte
		)
		if err := rows.Scan(&rev.ID, &raw, &rev.UpdatedBy, &rev.CreatedAt); err != nil {
			return nil, apperr.Dependency(err, "could not read business rules history")
		}
		if rev.Rules, err = decodeRules(raw); err != nil {
			return nil, apperr.Internal(err)
		}
		revisions = append(revisions, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency(err, "could not read business rules history")
	}
	return revisions, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCurrent(ctx context.Context, q queryRower) (Snapshot, error) {
	var (
		raw       []byte
		updatedBy string
		updatedAt time.Time
		version   int
	)
	err := q.QueryRowContext(ctx, currentQuery, aggregateID).Scan(&raw, &updatedBy, &updatedAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Rules: Defaults()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query business rules: %w", err)
	}

	rules, err := decodeRules(raw)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Rules: rules, Version: version, UpdatedBy: updatedBy, UpdatedAt: &updatedAt}, nil
}

// decodeRules starts from the defaults so parameters added after a row was written still read
// with a sensible value.
func decodeRules(raw []byte) (Rules, error) {
	rules := Defaults()
	if err := json.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("decode business rules: %w", err)
	}
	return rules, nil
}
