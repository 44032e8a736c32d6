package complaints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/accounts"
	"libradmin/internal/apperr"
	"libradmin/internal/database"
)

type service struct {
	db     *sql.DB
	log    *slog.Logger
	tracer trace.Tracer
}

func NewService(db *sql.DB, log *slog.Logger) Service {
	return &service{
		db:     db,
		log:    log,
		tracer: otel.Tracer("libradmin/complaints"),
	}
}

const selectComplaint = `
	SELECT c.id, c.user_id, COALESCE(u.name, ''), COALESCE(u.email, ''), c.kind, c.subject,
		c.description, c.status, c.read, c.response, c.created_at, c.responded_at
	FROM complaints c
	LEFT JOIN users u ON u.id = c.user_id
`

func (s *service) Create(ctx context.Context, req CreateRequest) (*Complaint, error) {
	const op = "complaints.Create"

	ctx, span := s.tracer.Start(ctx, "complaints.create")
	defer span.End()

	kind, err := ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, ErrMissingText.WithMessage("kind and description are required")
	}

	c := &Complaint{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Kind:        kind,
		Subject:     strings.TrimSpace(req.Subject),
		Description: description,
		Status:      StatusPending,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO complaints (id, user_id, kind, subject, description, status, read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`, c.ID, c.UserID, c.Kind, c.Subject, c.Description, c.Status).Scan(&c.CreatedAt)
	if database.IsForeignKeyViolation(err) {
		return nil, accounts.ErrUserNotFound
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not store complaint")
	}

	span.SetAttributes(attribute.String("complaint.id", c.ID.String()), attribute.String("complaint.kind", string(kind)))
	s.log.Info("complaint received", slog.String("complaint_id", c.ID.String()), slog.String("kind", string(kind)))
	return c, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Complaint, error) {
	const op = "complaints.Get"

	ctx, span := s.tracer.Start(ctx, "complaints.get", trace.WithAttributes(attribute.String("complaint.id", id.String())))
	defer span.End()

	c, err := scanComplaint(s.db.QueryRowContext(ctx, selectComplaint+` WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not read complaint")
	}
	return c, nil
}

// List returns every submission, newest first.
func (s *service) List(ctx context.Context) ([]Complaint, error) {
	const op = "complaints.List"

	ctx, span := s.tracer.Start(ctx, "complaints.list")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, selectComplaint+` ORDER BY c.created_at DESC`)
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not list complaints")
	}
	defer rows.Close()

	out := []Complaint{}
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not list complaints")
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not list complaints")
	}
	span.SetAttributes(attribute.Int("complaints.count", len(out)))
	return out, nil
}

// Respond stores the answer and marks the submission resolved and read.
func (s *service) Respond(ctx context.Context, id uuid.UUID, text string) (*Complaint, error) {
	const op = "complaints.Respond"

	ctx, span := s.tracer.Start(ctx, "complaints.respond", trace.WithAttributes(attribute.String("complaint.id", id.String())))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrMissingText.WithMessage("response is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE complaints
		SET response = $1, responded_at = NOW(), status = $2, read = TRUE
		WHERE id = $3
	`, text, StatusResolved, id)
	if err := affected(res, err, op); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *service) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	const op = "complaints.SetStatus"

	ctx, span := s.tracer.Start(ctx, "complaints.set_status", trace.WithAttributes(attribute.String("complaint.id", id.String())))
	defer span.End()

	st, err := ParseStatus(status)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE complaints SET status = $1 WHERE id = $2`, st, id)
	return affected(res, err, op)
}

func (s *service) MarkRead(ctx context.Context, id uuid.UUID, read bool) error {
	const op = "complaints.MarkRead"

	ctx, span := s.tracer.Start(ctx, "complaints.mark_read", trace.WithAttributes(attribute.Bool("complaint.read", read)))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `UPDATE complaints SET read = $1 WHERE id = $2`, read, id)
	return affected(res, err, op)
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	const op = "complaints.Stats"

	ctx, span := s.tracer.Start(ctx, "complaints.stats")
	defer span.End()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE kind = 'COMPLAINT'),
			COUNT(*) FILTER (WHERE kind = 'SUGGESTION'),
			COUNT(*) FILTER (WHERE kind = 'COMMENDATION'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			COUNT(*) FILTER (WHERE status = 'closed'),
			COUNT(*) FILTER (WHERE NOT read)
		FROM complaints
	`).Scan(&st.Total, &st.Complaints, &st.Suggestions, &st.Commendations,
		&st.Pending, &st.InProgress, &st.Resolved, &st.Closed, &st.Unread)
	if err != nil {
		return Stats{}, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not compute complaint statistics")
	}
	return st, nil
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "complaints.Delete"

	ctx, span := s.tracer.Start(ctx, "complaints.delete", trace.WithAttributes(attribute.String("complaint.id", id.String())))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM complaints WHERE id = $1`, id)
	if err := affected(res, err, op); err != nil {
		return err
	}
	s.log.Info("complaint deleted", slog.String("complaint_id", id.String()))
	return nil
}

func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not update complaint")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Dependency(fmt.Errorf("%s: rows affected: %w", op, err), "could not update complaint")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanComplaint(row scanner) (*Complaint, error) {
	var (
		c           Complaint
		userID      uuid.NullUUID
		respondedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &userID, &c.UserName, &c.UserEmail, &c.Kind, &c.Subject,
		&c.Description, &c.Status, &c.Read, &c.Response, &c.CreatedAt, &respondedAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		c.UserID = &userID.UUID
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		c.RespondedAt = &t
	}
	return &c, nil
}
