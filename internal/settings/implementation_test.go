package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libradmin/internal/apperr"
	"libradmin/internal/eventstore"
)

func newTestService(t *testing.T) (Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, eventstore.New(db)), mock
}

var currentColumns = []string{"rules", "updated_by", "created_at", "version"}

func TestCurrentReturnsDefaultsWhenEmpty(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`FROM business_rules br`).WillReturnError(sql.ErrNoRows)

	snap, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), snap.Rules)
	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, int64(500), snap.Rules.FirstDelayFine)
	assert.Equal(t, int64(50), snap.Rules.MembershipCost)
	assert.Nil(t, snap.UpdatedAt)
}

func TestCurrentFillsMissingFieldsWithDefaults(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	mock.ExpectQuery(`FROM business_rules br`).
		WillReturnRows(sqlmock.NewRows(currentColumns).AddRow([]byte(`{"multa_dano_min":1200,"multa_dano_max":2800}`), "admin@lib.org", now, 3))

	snap, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1200), snap.Rules.DamageFineMin)
	assert.Equal(t, int64(2800), snap.Rules.DamageFineMax)
	assert.Equal(t, 5, snap.Rules.LostMaterialsBlockThreshold)
	assert.Equal(t, 3, snap.Version)
	assert.Equal(t, "admin@lib.org", snap.UpdatedBy)
}

func TestCurrentWrapsDatabaseFailure(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`FROM business_rules br`).WillReturnError(errors.New("connection reset"))

	_, err := svc.Current(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependency, apperr.From(err).Kind)
}

func TestUpdateStoresRevisionAndEvent(t *testing.T) {
	svc, mock := newTestService(t)
	rules := Defaults()
	rules.DamageFineMax = 4000
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM business_rules br`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO business_rules`).
		WithArgs(sqlmock.AnyArg(), "admin@lib.org").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectPrepare(`INSERT INTO events`).ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	snap, err := svc.Update(context.Background(), UpdateRequest{Rules: rules, UpdatedBy: "admin@lib.org"})
	require.NoError(t, err)
	assert.Equal(t, rules, snap.Rules)
	assert.Equal(t, 1, snap.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRefusesStaleVersion(t *testing.T) {
	svc, mock := newTestService(t)
	stored, err := json.Marshal(Defaults())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM business_rules br`).
		WillReturnRows(sqlmock.NewRows(currentColumns).AddRow(stored, "", time.Now(), 4))
	mock.ExpectRollback()

	expected := 3
	_, err = svc.Update(context.Background(), UpdateRequest{Rules: Defaults(), ExpectedVersion: &expected})
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsInvertedDamageBounds(t *testing.T) {
	svc, mock := newTestService(t)
	rules := Defaults()
	rules.DamageFineMin = 3000
	rules.DamageFineMax = 3000

	_, err := svc.Update(context.Background(), UpdateRequest{Rules: rules})
	assert.ErrorIs(t, err, ErrInvalidRules)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	mock.ExpectQuery(`FROM business_rules`).WithArgs(HistoryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rules", "updated_by", "created_at"}).
			AddRow(2, []byte(`{"costo_membresia":80}`), "b", now).
			AddRow(1, []byte(`{"costo_membresia":60}`), "a", now.Add(-time.Hour)))

	revs, err := svc.History(context.Background())
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, int64(80), revs[0].Rules.MembershipCost)
	assert.Equal(t, int64(60), revs[1].Rules.MembershipCost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateDamageBoundsProperty(t *testing.T) {
	v := validator.New()
	rapid.Check(t, func(t *rapid.T) {
		rules := Defaults()
		rules.DamageFineMin = rapid.Int64Range(0, 10_000).Draw(t, "min")
		rules.DamageFineMax = rapid.Int64Range(0, 10_000).Draw(t, "max")

		err := Validate(v, rules)
		if rules.DamageFineMin < rules.DamageFineMax {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrInvalidRules)
		}
	})
}

func TestRulesJSONRoundTripKeepsLegacyNames(t *testing.T) {
	raw, err := json.Marshal(Defaults())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"multa_primer_retraso":500`)
	assert.Contains(t, string(raw), `"meses_sin_pago_bloqueo":3`)

	back, err := decodeRules(raw)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), back)
}
