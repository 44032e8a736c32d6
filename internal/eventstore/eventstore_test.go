package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesAtExpectedVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	prep := mock.ExpectPrepare(`INSERT INTO events`)
	prep.ExpectQuery().
		WithArgs(id, AggregateSettings, "RulesUpdated", sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	prep.ExpectQuery().
		WithArgs(id, AggregateSettings, "RulesAudited", sqlmock.AnyArg(), sqlmock.AnyArg(), 4, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	err = New(db).Append(context.Background(), tx, id, AggregateSettings, 2, []Event{
		{EventType: "RulesUpdated", EventData: json.RawMessage(`{}`)},
		{EventType: "RulesAudited", EventData: json.RawMessage(`{}`), Metadata: map[string]any{"by": "admin"}},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendDetectsStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	err = New(db).Append(context.Background(), tx, id, AggregateSettings, 4, []Event{{EventType: "RulesUpdated", EventData: json.RawMessage(`{}`)}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRejectsEmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	err = New(db).Append(context.Background(), tx, uuid.New(), AggregateUser, 0, nil)
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestRecordMapsUniqueViolationToConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectPrepare(`INSERT INTO events`).ExpectQuery().
		WillReturnError(&pq.Error{Code: "23505"})

	tx, err := db.Begin()
	require.NoError(t, err)
	err = New(db).Record(context.Background(), tx, id, AggregateFine, "FineIssued", map[string]int{"amount": 1500}, nil)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestLoadOrdersAndDecodesMetadata(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}).
		AddRow(1, id.String(), AggregateUser, "UserCreated", []byte(`{"role":"READER"}`), nil, 1, now).
		AddRow(2, id.String(), AggregateUser, "UserBlocked", []byte(`{"reason":"losses"}`), []byte(`{"source":"fine"}`), 2, now)
	mock.ExpectQuery(`SELECT id, aggregate_id`).WithArgs(id, 1).WillReturnRows(rows)

	events, err := New(db).Load(context.Background(), id, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "UserCreated", events[0].EventType)
	assert.Nil(t, events[0].Metadata)
	assert.Equal(t, "fine", events[1].Metadata["source"])
	assert.JSONEq(t, `{"reason":"losses"}`, string(events[1].EventData))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadWithUpperBound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`AND version <= \$3`).WithArgs(id, 1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}))

	events, err := New(db).Load(context.Background(), id, 1, 3)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}
