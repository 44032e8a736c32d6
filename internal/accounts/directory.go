package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"libradmin/internal/database"
)

// ErrNotActiveReader is returned by IncrementFineCounters when the debtor is missing, is not a
// reader or is not active at the moment of the update.
var ErrNotActiveReader = errors.New("user is not an active reader")

// Counters are a user's fine counters after an update.
type Counters struct {
	TotalFines    int64
	PendingFines  int
	LostMaterials int
}

// Directory owns the users table. Every method runs on the handle it is given, so callers
// choose the transaction.
type Directory struct{}

func NewDirectory() *Directory {
	return &Directory{}
}

const userColumns = `id, name, email, address, identification, role, membership, status,
	total_fines, pending_fines, lost_materials, block_reason, registered_at, last_login`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var lastLogin sql.NullTime
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.Address,
		&u.Identification,
		&u.Role,
		&u.Membership,
		&u.Status,
		&u.TotalFines,
		&u.PendingFines,
		&u.LostMaterials,
		&u.BlockReason,
		&u.RegisteredAt,
		&lastLogin,
	)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

// FindByID loads a user, locking the row for the rest of the transaction when forUpdate is set.
func (d *Directory) FindByID(ctx context.Context, q database.DBTX, id uuid.UUID, forUpdate bool) (*User, error) {
	const op = "accounts.Directory.FindByID"

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	u, err := scanUser(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (d *Directory) FindByEmail(ctx context.Context, q database.DBTX, email string) (*User, error) {
	const op = "accounts.Directory.FindByEmail"

	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// EmailTaken reports whether another user holds email, ignoring case. Pass uuid.Nil to consider
// every user.
func (d *Directory) EmailTaken(ctx context.Context, q database.DBTX, email string, excludeID uuid.UUID) (bool, error) {
	const op = "accounts.Directory.EmailTaken"

	var taken bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1) AND id <> $2)`,
		email, excludeID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return taken, nil
}

// CountActiveAdmins counts ACTIVE administrators other than excludeID.
func (d *Directory) CountActiveAdmins(ctx context.Context, q database.DBTX, excludeID uuid.UUID) (int, error) {
	const op = "accounts.Directory.CountActiveAdmins"

	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = 'ADMIN' AND status = 'ACTIVE' AND id <> $1`,
		excludeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// Insert writes the user and its credential. A unique violation on email maps to
// ErrDuplicateEmail.
func (d *Directory) Insert(ctx context.Context, q database.DBTX, u *User, c Credential) error {
	const op = "accounts.Directory.Insert"

	err := q.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, address, identification, role, membership, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING registered_at
	`, u.ID, u.Name, u.Email, u.Address, u.Identification, u.Role, u.Membership, u.Status).Scan(&u.RegisteredAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("%s: user: %w", op, err)
	}

	if err := d.SetCredential(ctx, q, c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Update writes the editable profile fields of u.
func (d *Directory) Update(ctx context.Context, q database.DBTX, u *User) error {
	const op = "accounts.Directory.Update"

	res, err := q.ExecContext(ctx, `
		UPDATE users
		SET name = $1, email = $2, address = $3, identification = $4,
			role = $5, membership = $6, status = $7, block_reason = $8
		WHERE id = $9
	`, u.Name, u.Email, u.Address, u.Identification, u.Role, u.Membership, u.Status, u.BlockReason, u.ID)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(res, op)
}

// SetStatus changes the status and records reason as the block reason, as the front office
// expects for every manual status change.
func (d *Directory) SetStatus(ctx context.Context, q database.DBTX, id uuid.UUID, status Status, reason string) error {
	const op = "accounts.Directory.SetStatus"

	res, err := q.ExecContext(ctx, `UPDATE users SET status = $1, block_reason = $2 WHERE id = $3`, status, reason, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(res, op)
}

// SetBlocked blocks the user and appends the matching sanction. Both writes share q, so on a
// transaction they commit or roll back together.
func (d *Directory) SetBlocked(ctx context.Context, q database.DBTX, id uuid.UUID, reason, detail string) error {
	const op = "accounts.Directory.SetBlocked"

	res, err := q.ExecContext(ctx, `UPDATE users SET status = 'BLOCKED', block_reason = $1 WHERE id = $2`, reason, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := expectOne(res, op); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO sanctions (user_id, kind, reason, detail)
		VALUES ($1, 'BLOCK', $2, $3)
	`, id, reason, detail); err != nil {
		return fmt.Errorf("%s: sanction: %w", op, err)
	}
	return nil
}

// IncrementFineCounters adds a fine to an ACTIVE READER and returns the counters after the
// increment. The conditional UPDATE takes the row lock, so concurrent fines for one reader
// observe each other's increments.
func (d *Directory) IncrementFineCounters(ctx context.Context, q database.DBTX, id uuid.UUID, amount int64, isLoss bool) (Counters, error) {
	const op = "accounts.Directory.IncrementFineCounters"

	loss := 0
	if isLoss {
		loss = 1
	}
	var c Counters
	err := q.QueryRowContext(ctx, `
		UPDATE users
		SET total_fines = total_fines + $2,
			pending_fines = pending_fines + 1,
			lost_materials = lost_materials + $3
		WHERE id = $1 AND role = 'READER' AND status = 'ACTIVE'
		RETURNING total_fines, pending_fines, lost_materials
	`, id, amount, loss).Scan(&c.TotalFines, &c.PendingFines, &c.LostMaterials)
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, ErrNotActiveReader
	}
	if err != nil {
		return Counters{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// ReleaseFine takes one fine off the pending count, never below zero, and subtracts refund
// from the accumulated fine total.
func (d *Directory) ReleaseFine(ctx context.Context, q database.DBTX, id uuid.UUID, refund int64) error {
	const op = "accounts.Directory.ReleaseFine"

	res, err := q.ExecContext(ctx, `
		UPDATE users
		SET pending_fines = GREATEST(pending_fines - 1, 0),
			total_fines = total_fines - $2
		WHERE id = $1
	`, id, refund)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(res, op)
}

func (d *Directory) Credential(ctx context.Context, q database.DBTX, userID uuid.UUID) (Credential, error) {
	const op = "accounts.Directory.Credential"

	c := Credential{UserID: userID}
	err := q.QueryRowContext(ctx,
		`SELECT password_hash, salt FROM credentials WHERE user_id = $1`, userID,
	).Scan(&c.PasswordHash, &c.Salt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrUserNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// SetCredential inserts or replaces the credential of a user.
func (d *Directory) SetCredential(ctx context.Context, q database.DBTX, c Credential) error {
	const op = "accounts.Directory.SetCredential"

	_, err := q.ExecContext(ctx, `
		INSERT INTO credentials (user_id, password_hash, salt)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
			salt = EXCLUDED.salt,
			updated_at = NOW()
	`, c.UserID, c.PasswordHash, c.Salt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d *Directory) TouchLogin(ctx context.Context, q database.DBTX, id uuid.UUID) error {
	const op = "accounts.Directory.TouchLogin"

	if _, err := q.ExecContext(ctx, `UPDATE users SET last_login = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Delete removes the user row. Credentials, fines and sanctions go with it.
func (d *Directory) Delete(ctx context.Context, q database.DBTX, id uuid.UUID) error {
	const op = "accounts.Directory.Delete"

	res, err := q.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(res, op)
}

// List returns every user, newest first.
func (d *Directory) List(ctx context.Context, q database.DBTX) ([]User, error) {
	return d.query(ctx, q, "accounts.Directory.List",
		`SELECT `+userColumns+` FROM users ORDER BY registered_at DESC`)
}

// Search filters by a case-insensitive term over name and email, and by role and status.
func (d *Directory) Search(ctx context.Context, q database.DBTX, f Filter) ([]User, error) {
	var (
		conds []string
		args  []any
	)
	if term := strings.TrimSpace(f.Term); term != "" {
		args = append(args, database.ContainsPattern(term))
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d)", len(args), len(args)))
	}
	if f.Role != "" {
		args = append(args, f.Role)
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY name`

	return d.query(ctx, q, "accounts.Directory.Search", query, args...)
}

func (d *Directory) Stats(ctx context.Context, q database.DBTX) (Stats, error) {
	const op = "accounts.Directory.Stats"

	var s Stats
	err := q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE role = 'ADMIN'),
			COUNT(*) FILTER (WHERE role = 'LIBRARIAN'),
			COUNT(*) FILTER (WHERE role = 'READER'),
			COUNT(*) FILTER (WHERE status = 'ACTIVE'),
			COUNT(*) FILTER (WHERE status = 'INACTIVE'),
			COUNT(*) FILTER (WHERE status = 'BLOCKED'),
			COUNT(*) FILTER (WHERE membership)
		FROM users
	`).Scan(&s.Total, &s.Admins, &s.Librarians, &s.Readers, &s.Active, &s.Inactive, &s.Blocked, &s.WithMembership)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (d *Directory) query(ctx context.Context, q database.DBTX, op, query string, args ...any) ([]User, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
