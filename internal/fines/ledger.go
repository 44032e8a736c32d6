package fines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"libradmin/internal/database"
)

// Ledger owns the fines and sanctions tables. Like the user directory, every method runs on
// the handle it is given.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

const fineColumns = `f.id, f.user_id, f.material_id, f.kind, f.amount, f.description, f.status,
	f.cancel_reason, f.issued_at, f.paid_at`

func scanFine(row interface{ Scan(...any) error }, f *Fine, extra ...any) error {
	var paidAt sql.NullTime
	dest := append([]any{
		&f.ID,
		&f.UserID,
		&f.MaterialID,
		&f.Kind,
		&f.Amount,
		&f.Description,
		&f.Status,
		&f.CancelReason,
		&f.IssuedAt,
		&paidAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if paidAt.Valid {
		t := paidAt.Time
		f.PaidAt = &t
	}
	return nil
}

// Insert stores a new fine and fills in its issue time.
func (l *Ledger) Insert(ctx context.Context, q database.DBTX, f *Fine) error {
	const op = "fines.Ledger.Insert"

	err := q.QueryRowContext(ctx, `
		INSERT INTO fines (id, user_id, material_id, kind, amount, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING issued_at
	`, f.ID, f.UserID, f.MaterialID, f.Kind, f.Amount, f.Description, f.Status).Scan(&f.IssuedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get loads a fine, or returns nil when it does not exist. forUpdate locks the row until the
// transaction ends.
func (l *Ledger) Get(ctx context.Context, q database.DBTX, id uuid.UUID, forUpdate bool) (*Fine, error) {
	const op = "fines.Ledger.Get"

	query := `SELECT ` + fineColumns + ` FROM fines f WHERE f.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var f Fine
	err := scanFine(q.QueryRowContext(ctx, query, id), &f)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &f, nil
}

// SetStatus moves a fine out of PENDING. paidAt is only stored for payments.
func (l *Ledger) SetStatus(ctx context.Context, q database.DBTX, id uuid.UUID, status Status, paidAt *time.Time, reason string) error {
	const op = "fines.Ledger.SetStatus"

	res, err := q.ExecContext(ctx, `
		UPDATE fines
		SET status = $2, paid_at = $3, cancel_reason = $4
		WHERE id = $1 AND status = 'PENDING'
	`, id, status, paidAt, reason)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// ListRecent returns the latest fines with the debtor and material joined in.
func (l *Ledger) ListRecent(ctx context.Context, q database.DBTX, limit int) ([]Fine, error) {
	const op = "fines.Ledger.ListRecent"

	rows, err := q.QueryContext(ctx, `
		SELECT `+fineColumns+`, u.name, u.email, m.title, m.author, m.category
		FROM fines f
		JOIN users u ON u.id = f.user_id
		JOIN materials m ON m.id = f.material_id
		ORDER BY f.issued_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	list := make([]Fine, 0)
	for rows.Next() {
		var f Fine
		if err := scanFine(rows, &f, &f.UserName, &f.UserEmail, &f.MaterialTitle, &f.MaterialAuthor, &f.MaterialCategory); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

// ListByUser returns every fine of one user, newest first.
func (l *Ledger) ListByUser(ctx context.Context, q database.DBTX, userID uuid.UUID) ([]Fine, error) {
	const op = "fines.Ledger.ListByUser"

	rows, err := q.QueryContext(ctx, `
		SELECT `+fineColumns+`, m.title
		FROM fines f
		JOIN materials m ON m.id = f.material_id
		WHERE f.user_id = $1
		ORDER BY f.issued_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	list := make([]Fine, 0)
	for rows.Next() {
		var f Fine
		if err := scanFine(rows, &f, &f.MaterialTitle); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

func (l *Ledger) Stats(ctx context.Context, q database.DBTX) (Stats, error) {
	const op = "fines.Ledger.Stats"

	var s Stats
	err := q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PAID'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED'),
			COUNT(*) FILTER (WHERE kind = 'LOSS'),
			COUNT(*) FILTER (WHERE kind = 'DAMAGE'),
			COUNT(*) FILTER (WHERE kind = 'DELAY'),
			COALESCE(SUM(amount), 0),
			COALESCE(AVG(amount), 0)::float8
		FROM fines
	`).Scan(&s.Total, &s.Pending, &s.Paid, &s.Cancelled, &s.Loss, &s.Damage, &s.Delay, &s.TotalAmount, &s.AverageAmount)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT m.category, COUNT(*), SUM(f.amount)
		FROM fines f
		JOIN materials m ON m.id = f.material_id
		GROUP BY m.category
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: categories: %w", op, err)
	}
	defer rows.Close()

	s.ByCategory = make([]CategoryStat, 0)
	for rows.Next() {
		var c CategoryStat
		if err := rows.Scan(&c.Category, &c.Count, &c.Total); err != nil {
			return Stats{}, fmt.Errorf("%s: scan: %w", op, err)
		}
		s.ByCategory = append(s.ByCategory, c)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Sanctions returns the sanctions of one user, newest first.
func (l *Ledger) Sanctions(ctx context.Context, q database.DBTX, userID uuid.UUID) ([]Sanction, error) {
	const op = "fines.Ledger.Sanctions"

	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, kind, reason, detail, created_at
		FROM sanctions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	list := make([]Sanction, 0)
	for rows.Next() {
		var s Sanction
		if err := rows.Scan(&s.ID, &s.UserID, &s.Kind, &s.Reason, &s.Detail, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

// OverdueDebtors lists the active readers holding a PENDING fine issued before cutoff.
func (l *Ledger) OverdueDebtors(ctx context.Context, q database.DBTX, cutoff time.Time) ([]uuid.UUID, error) {
	const op = "fines.Ledger.OverdueDebtors"

	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT f.user_id
		FROM fines f
		JOIN users u ON u.id = f.user_id
		WHERE f.status = 'PENDING'
		AND f.issued_at <= $1
		AND u.role = 'READER'
		AND u.status = 'ACTIVE'
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// OldestPending returns the issue time of the user's oldest PENDING fine, or nil when there is
// none.
func (l *Ledger) OldestPending(ctx context.Context, q database.DBTX, userID uuid.UUID) (*time.Time, error) {
	const op = "fines.Ledger.OldestPending"

	var oldest sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT MIN(issued_at) FROM fines WHERE user_id = $1 AND status = 'PENDING'`, userID,
	).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	return &oldest.Time, nil
}
