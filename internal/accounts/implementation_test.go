package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libradmin/internal/apperr"
	"libradmin/internal/database"
	"libradmin/internal/eventstore"
	"libradmin/internal/lib/logger"
	"libradmin/internal/notify"
)

type stubGateway struct {
	delivery notify.Delivery
	sent     []string
}

func (g *stubGateway) SendCredentials(_ context.Context, address, _, _, _ string) notify.Delivery {
	g.sent = append(g.sent, address)
	return g.delivery
}

func newTestService(t *testing.T, gw notify.Gateway, opts Options) (*service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine := NewEngineWithRand(func(int) int { return 0 })
	return newService(db, eventstore.New(db), gw, engine, logger.Discard(), opts), mock
}

var userCols = []string{
	"id", "name", "email", "address", "identification", "role", "membership", "status",
	"total_fines", "pending_fines", "lost_materials", "block_reason", "registered_at", "last_login",
}

func userRow(id uuid.UUID, email string, role Role, status Status) *sqlmock.Rows {
	return sqlmock.NewRows(userCols).AddRow(
		id.String(), "Maria Lopez", email, "Calle 1", "CC-1", string(role), role != RoleReader, string(status),
		0, 0, 0, "", time.Now(), nil,
	)
}

func expectEvent(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectPrepare(`INSERT INTO events`).ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
}

func TestCreateReaderReturnsPasswordWhenDeliveryFails(t *testing.T) {
	gw := &stubGateway{delivery: notify.Delivery{Error: "relay refused"}}
	svc, mock := newTestService(t, gw, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("maria@lib.org", uuid.Nil).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"registered_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectEvent(mock)
	mock.ExpectCommit()

	res, err := svc.Create(context.Background(), Draft{Name: "Maria", Email: " maria@lib.org ", Role: "reader"})
	require.NoError(t, err)

	assert.Equal(t, RoleReader, res.User.Role)
	assert.Equal(t, StatusActive, res.User.Status)
	assert.False(t, res.User.Membership)
	assert.False(t, res.CredentialsDelivered)
	assert.Equal(t, "mari100!", res.TemporaryPassword)
	assert.Equal(t, "relay refused", res.DeliveryError)
	assert.Equal(t, []string{"maria@lib.org"}, gw.sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateHidesPasswordWhenDelivered(t *testing.T) {
	gw := &stubGateway{delivery: notify.Delivery{Delivered: true}}
	svc, mock := newTestService(t, gw, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"registered_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectEvent(mock)
	mock.ExpectCommit()

	res, err := svc.Create(context.Background(), Draft{Name: "Ana", Email: "ana@lib.org", Role: "LIBRARIAN"})
	require.NoError(t, err)
	assert.True(t, res.CredentialsDelivered)
	assert.Empty(t, res.TemporaryPassword)
	assert.True(t, res.User.Membership)
}

func TestCreateAdminAtCeilingIsRejected(t *testing.T) {
	gw := &stubGateway{}
	svc, mock := newTestService(t, gw, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(database.LockAdminCeiling).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE role = 'ADMIN'`).WithArgs(uuid.Nil).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), Draft{Name: "Root", Email: "root@lib.org", Role: "ADMIN"})
	assert.ErrorIs(t, err, ErrAdminLimitReached)
	assert.Empty(t, gw.sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateFromUniqueViolation(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), Draft{Name: "Maria", Email: "maria@lib.org", Role: "READER"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestCreateDuplicateDiffersOnlyInCase(t *testing.T) {
	gw := &stubGateway{}
	svc, mock := newTestService(t, gw, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM users WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("MARIA@lib.org", uuid.Nil).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), Draft{Name: "Maria", Email: "MARIA@lib.org", Role: "READER"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
	assert.Empty(t, gw.sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsDraftWithoutTouchingTheDatabase(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})

	_, err := svc.Create(context.Background(), Draft{Name: "Maria", Email: "not-an-email", Role: "READER"})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.Create(context.Background(), Draft{Email: "maria@lib.org"})
	assert.ErrorIs(t, err, ErrMissingFields)
	assert.Contains(t, err.Error(), "name, role")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWrapsDatabaseFailure(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := svc.Create(context.Background(), Draft{Name: "Maria", Email: "maria@lib.org", Role: "READER"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependency, apperr.From(err).Kind)
}

func TestChangeStatusToBlockedWritesSanction(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM users WHERE id = \$1 FOR UPDATE`).WithArgs(id).
		WillReturnRows(userRow(id, "maria@lib.org", RoleReader, StatusActive))
	mock.ExpectExec(`UPDATE users SET status = 'BLOCKED'`).WithArgs("unpaid damage", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sanctions`).WithArgs(id, "unpaid damage", "manual status change").
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectEvent(mock)
	mock.ExpectCommit()

	u, err := svc.ChangeStatus(context.Background(), id, "blocked", "unpaid damage")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, u.Status)
	assert.Equal(t, "unpaid damage", u.BlockReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeStatusActivatingThirdAdminIsRejected(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(userRow(id, "third@lib.org", RoleAdmin, StatusInactive))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := svc.ChangeStatus(context.Background(), id, "ACTIVE", "")
	assert.ErrorIs(t, err, ErrAdminLimitReached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeStatusUnknownValue(t *testing.T) {
	svc, _ := newTestService(t, &stubGateway{}, Options{})

	_, err := svc.ChangeStatus(context.Background(), uuid.New(), "SUSPENDED", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestUpdatePromotionRechecksCeiling(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(userRow(id, "lib@lib.org", RoleLibrarian, StatusActive))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), id, Changes{Role: "ADMIN"})
	assert.ErrorIs(t, err, ErrAdminLimitReached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateChangesEmailWhenFree(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	id := uuid.New()
	address := "Calle 9"

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(userRow(id, "old@lib.org", RoleReader, StatusActive))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("new@lib.org", id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE users`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectEvent(mock)
	mock.ExpectCommit()

	u, err := svc.Update(context.Background(), id, Changes{Email: "new@lib.org", Address: &address})
	require.NoError(t, err)
	assert.Equal(t, "new@lib.org", u.Email)
	assert.Equal(t, "Calle 9", u.Address)
	assert.Equal(t, RoleReader, u.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingUser(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(sqlmock.NewRows(userCols))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), uuid.New(), Changes{Name: "X"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDeleteMissingUser(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM users`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := svc.Delete(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func expectLogin(t *testing.T, mock sqlmock.Sqlmock, id uuid.UUID, status Status, password string) {
	expectLoginAs(t, mock, "maria@lib.org", id, status, password)
}

func expectLoginAs(t *testing.T, mock sqlmock.Sqlmock, email string, id uuid.UUID, status Status, password string) {
	t.Helper()
	hash, salt, err := hashPassword(password)
	require.NoError(t, err)

	mock.ExpectQuery(`FROM users WHERE lower\(email\) = lower\(\$1\)`).WithArgs(email).
		WillReturnRows(userRow(id, "maria@lib.org", RoleReader, status))
	mock.ExpectQuery(`FROM credentials`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "salt"}).AddRow(hash, salt))
}

func TestAuthenticateStampsLastLogin(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	id := uuid.New()

	expectLogin(t, mock, id, StatusActive, "mari100!")
	mock.ExpectExec(`UPDATE users SET last_login`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := svc.Authenticate(context.Background(), "maria@lib.org", "mari100!")
	require.NoError(t, err)
	assert.NotNil(t, u.LastLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateIgnoresEmailCase(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	id := uuid.New()

	expectLoginAs(t, mock, "Maria@Lib.org", id, StatusActive, "mari100!")
	mock.ExpectExec(`UPDATE users SET last_login`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := svc.Authenticate(context.Background(), " Maria@Lib.org ", "mari100!")
	require.NoError(t, err)
	assert.Equal(t, "maria@lib.org", u.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateWrongPassword(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})

	expectLogin(t, mock, uuid.New(), StatusActive, "mari100!")

	_, err := svc.Authenticate(context.Background(), "maria@lib.org", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticateInactiveUser(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})

	expectLogin(t, mock, uuid.New(), StatusInactive, "mari100!")

	_, err := svc.Authenticate(context.Background(), "maria@lib.org", "mari100!")
	require.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, "user inactive", apperr.From(err).Message)
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{})
	mock.ExpectQuery(`FROM users WHERE lower\(email\)`).WillReturnRows(sqlmock.NewRows(userCols))

	_, err := svc.Authenticate(context.Background(), "maria@lib.org", "x")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticateIsRateLimited(t *testing.T) {
	svc, mock := newTestService(t, &stubGateway{}, Options{LoginPerMinute: 1, LoginBurst: 1})
	mock.ExpectQuery(`FROM users WHERE lower\(email\)`).WillReturnRows(sqlmock.NewRows(userCols))

	_, err := svc.Authenticate(context.Background(), "maria@lib.org", "x")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = svc.Authenticate(context.Background(), "maria@lib.org", "x")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestResetPasswordDeliversNewCredential(t *testing.T) {
	gw := &stubGateway{delivery: notify.Delivery{Error: "mail delivery disabled"}}
	svc, mock := newTestService(t, gw, Options{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(userRow(id, "maria@lib.org", RoleReader, StatusActive))
	mock.ExpectExec(`INSERT INTO credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectEvent(mock)
	mock.ExpectCommit()

	res, err := svc.ResetPassword(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "mari100!", res.TemporaryPassword)
	assert.NoError(t, mock.ExpectationsWereMet())
}
