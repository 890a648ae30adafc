package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runColumns = []string{"id", "mode", "batch", "state", "stage", "error", "removed", "invalid", "targets", "digest", "started_at", "finished_at"}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pipeline_runs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPGStore(db).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	start := time.Date(2024, 1, 1, 17, 19, 0, 0, time.UTC)
	run := Run{
		ID:         id,
		Mode:       "deploy",
		Batch:      "20240101",
		State:      "DONE",
		Removed:    3,
		Targets:    []string{"BVDAKHOA_17H19"},
		Digest:     "abc",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
	}

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(id.String(), "deploy", "20240101", "DONE", "", "", 3, 0, sqlmock.AnyArg(), "abc", start, start.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewPGStore(db).Record(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_AssignsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO pipeline_runs").WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewPGStore(db).Record(context.Background(), Run{Mode: "check", State: "DONE"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO pipeline_runs").WillReturnError(errors.New("connection reset"))

	err = NewPGStore(db).Record(context.Background(), Run{Mode: "check"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run")
}

func TestRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id1, id2 := uuid.New(), uuid.New()
	start := time.Date(2024, 1, 1, 17, 19, 0, 0, time.UTC)

	rows := sqlmock.NewRows(runColumns).
		AddRow(id1.String(), "deploy", "20240101", "DONE", "", "", 2, 0, "{BVDAKHOA_17H19,BVLONGAN_17H19}", "d1", start, start.Add(time.Minute)).
		AddRow(id2.String(), "check", "", "FAILED", "SYNCING_SOURCE", "git pull failed", 0, 0, "{}", "", start.Add(-time.Hour), start.Add(-time.Hour))
	mock.ExpectQuery("SELECT (.+) FROM pipeline_runs").WithArgs(5).WillReturnRows(rows)

	runs, err := NewPGStore(db).Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, id1, runs[0].ID)
	assert.Equal(t, []string{"BVDAKHOA_17H19", "BVLONGAN_17H19"}, runs[0].Targets)
	assert.Equal(t, 2, runs[0].Removed)
	assert.Equal(t, "SYNCING_SOURCE", runs[1].Stage)
	assert.Empty(t, runs[1].Targets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecent_DefaultLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM pipeline_runs").WithArgs(20).WillReturnRows(sqlmock.NewRows(runColumns))

	runs, err := NewPGStore(db).Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}
	require.NoError(t, s.Record(context.Background(), Run{}))
	runs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, runs)
}
