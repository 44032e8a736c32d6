package accounts

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestIncrementFineCountersReturnsPostIncrementValues(t *testing.T) {
	db, mock := newTestDB(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE users\s+SET total_fines = total_fines \+ \$2`).WithArgs(id, int64(1500), 1).
		WillReturnRows(sqlmock.NewRows([]string{"total_fines", "pending_fines", "lost_materials"}).AddRow(4500, 3, 5))

	c, err := NewDirectory().IncrementFineCounters(context.Background(), db, id, 1500, true)
	require.NoError(t, err)
	assert.Equal(t, Counters{TotalFines: 4500, PendingFines: 3, LostMaterials: 5}, c)
}

func TestIncrementFineCountersRejectsNonActiveReader(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectQuery(`WHERE id = \$1 AND role = 'READER' AND status = 'ACTIVE'`).
		WillReturnRows(sqlmock.NewRows([]string{"total_fines", "pending_fines", "lost_materials"}))

	_, err := NewDirectory().IncrementFineCounters(context.Background(), db, uuid.New(), 1500, false)
	assert.ErrorIs(t, err, ErrNotActiveReader)
}

func TestReleaseFineFloorsPendingCount(t *testing.T) {
	db, mock := newTestDB(t)
	id := uuid.New()

	mock.ExpectExec(`GREATEST\(pending_fines - 1, 0\)`).WithArgs(id, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewDirectory().ReleaseFine(context.Background(), db, id, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchBuildsFilters(t *testing.T) {
	tests := []struct {
		name  string
		f     Filter
		query string
		args  int
	}{
		{"no filter", Filter{}, `FROM users ORDER BY name`, 0},
		{"term", Filter{Term: "mar"}, `WHERE \(name ILIKE \$1 OR email ILIKE \$1\) ORDER BY name`, 1},
		{"role and status", Filter{Role: RoleReader, Status: StatusBlocked}, `WHERE role = \$1 AND status = \$2 ORDER BY name`, 2},
		{"all", Filter{Term: "a", Role: RoleAdmin, Status: StatusActive}, `ILIKE \$1\) AND role = \$2 AND status = \$3`, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newTestDB(t)
			exp := mock.ExpectQuery(tt.query).WillReturnRows(sqlmock.NewRows(userCols))
			if tt.args > 0 {
				args := make([]driver.Value, tt.args)
				for i := range args {
					args[i] = sqlmock.AnyArg()
				}
				exp.WithArgs(args...)
			}

			users, err := NewDirectory().Search(context.Background(), db, tt.f)
			require.NoError(t, err)
			assert.Empty(t, users)
			assert.NotNil(t, users)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSearchTermWildcardsAreLiteral(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`WHERE \(name ILIKE \$1 OR email ILIKE \$1\)`).
		WithArgs(`%ana\_lopez\%%`).
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err := NewDirectory().Search(context.Background(), db, Filter{Term: " ana_lopez% "})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOrdersByRegistration(t *testing.T) {
	db, mock := newTestDB(t)
	a := uuid.New()
	mock.ExpectQuery(`ORDER BY registered_at DESC`).WillReturnRows(userRow(a, "a@lib.org", RoleReader, StatusActive))

	users, err := NewDirectory().List(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, a, users[0].ID)
}

func TestStatsScansFilteredCounts(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE role = 'ADMIN'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"t", "a", "l", "r", "ac", "in", "bl", "m"}).AddRow(10, 2, 3, 5, 7, 2, 1, 6))

	s, err := NewDirectory().Stats(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 10, Admins: 2, Librarians: 3, Readers: 5, Active: 7, Inactive: 2, Blocked: 1, WithMembership: 6}, s)
}

func TestSetBlockedAppendsSanction(t *testing.T) {
	db, mock := newTestDB(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE users SET status = 'BLOCKED'`).WithArgs("five losses", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sanctions`).WithArgs(id, "five losses", "lost materials: 5").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewDirectory().SetBlocked(context.Background(), db, id, "five losses", "lost materials: 5"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetBlockedMissingUserSkipsSanction(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectExec(`UPDATE users SET status = 'BLOCKED'`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewDirectory().SetBlocked(context.Background(), db, uuid.New(), "r", "d")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
