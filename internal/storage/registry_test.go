package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS training_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	reg, err := NewRegistry(context.Background(), db)
	require.NoError(t, err)
	return reg, mock
}

func TestRegistry_RecordTraining(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec("INSERT INTO training_runs").
		WithArgs("models", 128, 8, 256, 50000, int64(42), int64(1500)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := reg.RecordTraining(context.Background(), TrainingRun{
		ModelDir: "models", Dimensions: 128, Subspaces: 8, Centroids: 256,
		SampleSize: 50000, Seed: 42, Duration: 1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_RecordCompression(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec("INSERT INTO compression_runs").
		WithArgs("models", "out", "npy", 1000, 64.0, 4.0, int64(990), 2, int64(250)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := reg.RecordCompression(context.Background(), CompressionRun{
		ModelDir: "models", OutputDir: "out", Format: "npy", Rows: 1000,
		PQRatio: 64, ScalarRatio: 4, DistinctCodes: 990, DegenerateDims: 2,
		Duration: 250 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	_, err = NewRegistry(context.Background(), db)
	assert.ErrorContains(t, err, "permission denied")

	reg, mock := newMockRegistry(t)
	mock.ExpectExec("INSERT INTO training_runs").WillReturnError(errors.New("connection reset"))
	err = reg.RecordTraining(context.Background(), TrainingRun{})
	assert.ErrorContains(t, err, "recording training run")
}

func TestNopRecorder(t *testing.T) {
	var r RunRecorder = NopRecorder{}
	assert.NoError(t, r.RecordTraining(context.Background(), TrainingRun{}))
	assert.NoError(t, r.RecordCompression(context.Background(), CompressionRun{}))
}
