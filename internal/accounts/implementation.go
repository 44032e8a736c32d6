package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"libradmin/internal/apperr"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
	"libradmin/internal/lib/sl"
	"libradmin/internal/metrics"
	"libradmin/internal/notify"
)

// Options tunes the login limiter.
type Options struct {
	LoginPerMinute int
	LoginBurst     int
}

// service implements the Service interface.
type service struct {
	db          *sql.DB
	dir         *Directory
	events      *eventstore.Store
	notifier    notify.Gateway
	engine      Engine
	rateLimiter *rate.Limiter
	log         *slog.Logger
	tracer      trace.Tracer
}

// NewService creates the account service.
func NewService(db *sql.DB, events *eventstore.Store, notifier notify.Gateway, log *slog.Logger, opts Options) Service {
	return newService(db, events, notifier, NewEngine(), log, opts)
}

func newService(db *sql.DB, events *eventstore.Store, notifier notify.Gateway, engine Engine, log *slog.Logger, opts Options) *service {
	perMinute := opts.LoginPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := opts.LoginBurst
	if burst <= 0 {
		burst = 5
	}
	return &service{
		db:          db,
		dir:         NewDirectory(),
		events:      events,
		notifier:    notifier,
		engine:      engine,
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		log:         log,
		tracer:      otel.Tracer("libradmin/accounts"),
	}
}

// Create validates the draft, stores the account and then tries to deliver its credentials.
// Administrator creations hold the admin-ceiling lock from the count to the insert.
func (s *service) Create(ctx context.Context, d Draft) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.create",
		trace.WithAttributes(attribute.String("user.role", d.Role)),
	)
	defer span.End()

	d.Name = strings.TrimSpace(d.Name)
	d.Email = strings.TrimSpace(d.Email)
	if err := s.engine.CheckDraft(d); err != nil {
		return nil, s.rejected(err)
	}
	role, _ := ParseRole(d.Role)

	var (
		user     *User
		password string
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if role == RoleAdmin {
			if err := database.AdvisoryLock(ctx, tx, database.LockAdminCeiling); err != nil {
				return err
			}
		}

		var facts Facts
		var err error
		if facts.EmailTaken, err = s.dir.EmailTaken(ctx, tx, d.Email, uuid.Nil); err != nil {
			return err
		}
		if role == RoleAdmin {
			if facts.ActiveAdmins, err = s.dir.CountActiveAdmins(ctx, tx, uuid.Nil); err != nil {
				return err
			}
		}

		if password, err = s.engine.ValidateCreate(d, facts); err != nil {
			return err
		}

		hash, salt, err := hashPassword(password)
		if err != nil {
			return err
		}

		user = &User{
			ID:             uuid.New(),
			Name:           d.Name,
			Email:          d.Email,
			Address:        d.Address,
			Identification: d.Identification,
			Role:           role,
			Membership:     DefaultMembership(role),
			Status:         StatusActive,
		}
		if err := s.dir.Insert(ctx, tx, user, Credential{UserID: user.ID, PasswordHash: hash, Salt: salt}); err != nil {
			return err
		}

		return s.events.Record(ctx, tx, user.ID, eventstore.AggregateUser, EventUserCreated, UserCreatedEvent{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.Name,
			Role:  user.Role,
		}, nil)
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	span.SetAttributes(attribute.String("user.id", user.ID.String()))
	metrics.AccountCreated(string(user.Role))
	s.log.Info("user created", slog.String("user_id", user.ID.String()), slog.String("role", string(user.Role)))

	return s.deliver(ctx, user, password), nil
}

// deliver sends the credentials and falls back to returning them once in the result.
func (s *service) deliver(ctx context.Context, user *User, password string) *CreateResult {
	delivery := s.notifier.SendCredentials(ctx, user.Email, user.Name, password, string(user.Role))
	metrics.CredentialDelivery(delivery.Delivered)

	res := &CreateResult{User: user, CredentialsDelivered: delivery.Delivered}
	if !delivery.Delivered {
		res.TemporaryPassword = password
		res.DeliveryError = delivery.Error
		s.log.Warn("credentials not delivered, returning them in the response",
			slog.String("user_id", user.ID.String()),
			slog.String("delivery_error", delivery.Error),
		)
	}
	return res
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.get", trace.WithAttributes(attribute.String("user.id", id.String())))
	defer span.End()

	u, err := s.dir.FindByID(ctx, s.db, id, false)
	if err != nil {
		return nil, s.rejected(err)
	}
	return u, nil
}

func (s *service) List(ctx context.Context) ([]User, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.list")
	defer span.End()

	users, err := s.dir.List(ctx, s.db)
	if err != nil {
		return nil, s.rejected(err)
	}
	span.SetAttributes(attribute.Int("users.count", len(users)))
	return users, nil
}

func (s *service) Search(ctx context.Context, f Filter) ([]User, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.search")
	defer span.End()

	users, err := s.dir.Search(ctx, s.db, f)
	if err != nil {
		return nil, s.rejected(err)
	}
	span.SetAttributes(attribute.Int("users.count", len(users)))
	return users, nil
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.stats")
	defer span.End()

	st, err := s.dir.Stats(ctx, s.db)
	if err != nil {
		return Stats{}, s.rejected(err)
	}
	return st, nil
}

// Update applies a full-record edit. The role, status and email rules are checked together
// against the state the user would end up in.
func (s *service) Update(ctx context.Context, id uuid.UUID, c Changes) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.update", trace.WithAttributes(attribute.String("user.id", id.String())))
	defer span.End()

	var (
		newRole   Role
		newStatus Status
		err       error
	)
	if c.Role != "" {
		if newRole, err = ParseRole(c.Role); err != nil {
			return nil, s.rejected(err)
		}
	}
	if c.Status != "" {
		if newStatus, err = ParseStatus(c.Status); err != nil {
			return nil, s.rejected(err)
		}
	}

	var updated *User
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if mayActivateAdmin(newRole, newStatus) {
			if err := database.AdvisoryLock(ctx, tx, database.LockAdminCeiling); err != nil {
				return err
			}
		}

		current, err := s.dir.FindByID(ctx, tx, id, true)
		if err != nil {
			return err
		}

		next := *current
		if c.Name != "" {
			next.Name = strings.TrimSpace(c.Name)
		}
		if c.Address != nil {
			next.Address = *c.Address
		}
		if c.Identification != nil {
			next.Identification = *c.Identification
		}
		if c.Membership != nil {
			next.Membership = *c.Membership
		}
		if newRole != "" {
			next.Role = newRole
		}
		if newStatus != "" {
			next.Status = newStatus
		}

		admins := 0
		if next.Role == RoleAdmin {
			if admins, err = s.dir.CountActiveAdmins(ctx, tx, id); err != nil {
				return err
			}
		}
		if err := s.engine.ValidateRoleChange(*current, next.Role, admins); err != nil {
			return err
		}
		if newStatus != "" {
			target := *current
			target.Role = next.Role
			if err := s.engine.ValidateStatusChange(target, next.Status, admins); err != nil {
				return err
			}
		}

		email := strings.TrimSpace(c.Email)
		if email != "" && email != current.Email {
			taken, err := s.dir.EmailTaken(ctx, tx, email, id)
			if err != nil {
				return err
			}
			if err := s.engine.ValidateEmailChange(*current, email, taken); err != nil {
				return err
			}
			next.Email = email
		}

		blocking := next.Status == StatusBlocked && current.Status != StatusBlocked
		if newStatus != "" && newStatus != current.Status {
			next.BlockReason = c.Reason
		}
		if err := s.dir.Update(ctx, tx, &next); err != nil {
			return err
		}
		if blocking {
			if err := s.recordBlock(ctx, tx, id, c.Reason, "manual status change"); err != nil {
				return err
			}
		}

		updated = &next
		return s.events.Record(ctx, tx, id, eventstore.AggregateUser, EventUserUpdated, UserUpdatedEvent{
			ID:     id,
			Before: *current,
			After:  next,
		}, nil)
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	s.log.Info("user updated", slog.String("user_id", id.String()))
	return updated, nil
}

// ChangeStatus sets the status with a reason. Blocking also appends a sanction.
func (s *service) ChangeStatus(ctx context.Context, id uuid.UUID, status, reason string) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.change_status",
		trace.WithAttributes(
			attribute.String("user.id", id.String()),
			attribute.String("user.status", status),
		),
	)
	defer span.End()

	newStatus, err := ParseStatus(status)
	if err != nil {
		return nil, s.rejected(err)
	}

	var updated *User
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if newStatus == StatusActive {
			if err := database.AdvisoryLock(ctx, tx, database.LockAdminCeiling); err != nil {
				return err
			}
		}

		current, err := s.dir.FindByID(ctx, tx, id, true)
		if err != nil {
			return err
		}

		admins := 0
		if current.Role == RoleAdmin && newStatus == StatusActive {
			if admins, err = s.dir.CountActiveAdmins(ctx, tx, id); err != nil {
				return err
			}
		}
		if err := s.engine.ValidateStatusChange(*current, newStatus, admins); err != nil {
			return err
		}

		if newStatus == StatusBlocked {
			if err := s.dir.SetBlocked(ctx, tx, id, reason, "manual status change"); err != nil {
				return err
			}
			metrics.UserBlocked(metrics.TriggerManual)
		} else if err := s.dir.SetStatus(ctx, tx, id, newStatus, reason); err != nil {
			return err
		}

		next := *current
		next.Status = newStatus
		next.BlockReason = reason
		updated = &next

		return s.events.Record(ctx, tx, id, eventstore.AggregateUser, EventUserStatusChanged, UserStatusChangedEvent{
			ID:     id,
			From:   current.Status,
			To:     newStatus,
			Reason: reason,
		}, nil)
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	s.log.Info("user status changed", slog.String("user_id", id.String()), slog.String("status", string(newStatus)))
	return updated, nil
}

// recordBlock appends the sanction for a block applied through Update, where the status column
// was already written with the rest of the record.
func (s *service) recordBlock(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason, detail string) error {
	if err := s.dir.SetBlocked(ctx, tx, id, reason, detail); err != nil {
		return err
	}
	metrics.UserBlocked(metrics.TriggerManual)
	return nil
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "accounts.delete", trace.WithAttributes(attribute.String("user.id", id.String())))
	defer span.End()

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.dir.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, id, eventstore.AggregateUser, EventUserDeleted, map[string]string{"id": id.String()}, nil)
	})
	if err != nil {
		return s.rejected(err)
	}

	s.log.Info("user deleted", slog.String("user_id", id.String()))
	return nil
}

// ResetPassword replaces the credential with a fresh temporary one and delivers it like a
// creation does.
func (s *service) ResetPassword(ctx context.Context, id uuid.UUID) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.reset_password", trace.WithAttributes(attribute.String("user.id", id.String())))
	defer span.End()

	var (
		user     *User
		password string
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if user, err = s.dir.FindByID(ctx, tx, id, true); err != nil {
			return err
		}

		password = s.engine.TemporaryPassword(user.Name)
		hash, salt, err := hashPassword(password)
		if err != nil {
			return err
		}
		if err := s.dir.SetCredential(ctx, tx, Credential{UserID: id, PasswordHash: hash, Salt: salt}); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, id, eventstore.AggregateUser, EventPasswordReset, map[string]string{"id": id.String()}, nil)
	})
	if err != nil {
		return nil, s.rejected(err)
	}

	return s.deliver(ctx, user, password), nil
}

// Authenticate checks the credentials and stamps the login time. Only ACTIVE users may log in.
func (s *service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "accounts.authenticate")
	defer span.End()

	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, ErrMissingFields.WithMessage("email and password are required")
	}

	user, err := s.dir.FindByEmail(ctx, s.db, strings.TrimSpace(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, s.rejected(err)
	}

	cred, err := s.dir.Credential(ctx, s.db, user.ID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, s.rejected(err)
	}

	ok, err := verifyPassword(password, cred)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("verify credential of %s: %w", user.ID, err))
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	if user.Status != StatusActive {
		return nil, ErrAccountLocked.WithMessage("user %s", strings.ToLower(string(user.Status)))
	}

	if err := s.dir.TouchLogin(ctx, s.db, user.ID); err != nil {
		s.log.Warn("failed to stamp last login", slog.String("user_id", user.ID.String()), sl.Err(err))
	} else {
		now := time.Now().UTC()
		user.LastLogin = &now
	}

	span.SetAttributes(attribute.String("user.id", user.ID.String()))
	return user, nil
}

func (s *service) History(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error) {
	events, err := s.events.Load(ctx, id, 1, 0)
	if err != nil {
		return nil, apperr.Dependency(err, "could not read user history")
	}
	return events, nil
}

// mayActivateAdmin reports whether a change could leave an extra ACTIVE ADMIN behind, in which
// case the ceiling lock is taken before any row lock.
func mayActivateAdmin(role Role, status Status) bool {
	return role == RoleAdmin || status == StatusActive
}

// rejected passes rule failures through and wraps everything else as a dependency failure.
func (s *service) rejected(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperr.KindValidation || appErr.Kind == apperr.KindConflict {
			metrics.RuleRejected(string(appErr.Code))
		}
		return err
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return apperr.Conflict(apperr.CodeInternal, "ConcurrentUpdate", "the user was modified concurrently, retry")
	}
	return apperr.Dependency(err, "user directory unavailable")
}
