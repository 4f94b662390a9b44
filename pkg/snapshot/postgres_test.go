package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ReadMissingKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT version, state_json, updated_at FROM snapshot_states").
		WithArgs("plan_state").
		WillReturnRows(sqlmock.NewRows([]string{"version", "state_json", "updated_at"}))

	st := NewPostgresStore(db, "plan_state")
	sv, err := st.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sv.Version)
	assert.Nil(t, sv.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Read(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	updated := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT version, state_json, updated_at FROM snapshot_states").
		WithArgs("job_state").
		WillReturnRows(sqlmock.NewRows([]string{"version", "state_json", "updated_at"}).
			AddRow(4, []byte(`{"counter":4}`), updated))

	st := NewPostgresStore(db, "job_state")
	sv, err := st.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sv.Version)
	assert.JSONEq(t, `{"counter":4}`, string(sv.State))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MutateCommitsNextVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version, state_json FROM snapshot_states").
		WithArgs("execution_state").
		WillReturnRows(sqlmock.NewRows([]string{"version", "state_json"}).
			AddRow(2, []byte(`{"counter":2}`)))
	mock.ExpectExec("INSERT INTO snapshot_states").
		WithArgs("execution_state", uint64(3), []byte(`{"counter":3}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := NewPostgresStore(db, "execution_state")
	sv, err := st.Mutate(context.Background(), func(raw json.RawMessage) (json.RawMessage, error) {
		var state testState
		require.NoError(t, json.Unmarshal(raw, &state))
		state.Counter++
		return json.Marshal(state)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MutateRollsBackOnFnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version, state_json FROM snapshot_states").
		WithArgs("evidence_state").
		WillReturnRows(sqlmock.NewRows([]string{"version", "state_json"}).
			AddRow(1, []byte(`{}`)))
	mock.ExpectRollback()

	st := NewPostgresStore(db, "evidence_state")
	_, err = st.Mutate(context.Background(), func(json.RawMessage) (json.RawMessage, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MutateFirstWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version, state_json FROM snapshot_states").
		WithArgs("plan_state").
		WillReturnRows(sqlmock.NewRows([]string{"version", "state_json"}))
	mock.ExpectExec("INSERT INTO snapshot_states").
		WithArgs("plan_state", uint64(1), []byte(`{"counter":1}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := NewPostgresStore(db, "plan_state")
	sv, err := st.Mutate(context.Background(), func(raw json.RawMessage) (json.RawMessage, error) {
		assert.Empty(t, raw)
		return json.RawMessage(`{"counter":1}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
