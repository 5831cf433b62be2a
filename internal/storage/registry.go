package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrainingRun describes one completed train job.
type TrainingRun struct {
	ModelDir   string
	Dimensions int
	Subspaces  int
	Centroids  int
	SampleSize int
	Seed       int64
	Duration   time.Duration
}

// CompressionRun describes one completed compress job.
type CompressionRun struct {
	ModelDir       string
	OutputDir      string
	Format         string
	Rows           int
	PQRatio        float64
	ScalarRatio    float64
	DistinctCodes  uint64
	DegenerateDims int
	Duration       time.Duration
}

// RunRecorder records job outcomes. Jobs treat recording as best effort.
type RunRecorder interface {
	RecordTraining(ctx context.Context, run TrainingRun) error
	RecordCompression(ctx context.Context, run CompressionRun) error
}

// NopRecorder is used when no registry database is configured.
type NopRecorder struct{}

func (NopRecorder) RecordTraining(context.Context, TrainingRun) error       { return nil }
func (NopRecorder) RecordCompression(context.Context, CompressionRun) error { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS training_runs (
	id          BIGSERIAL PRIMARY KEY,
	model_dir   TEXT NOT NULL,
	dimensions  INTEGER NOT NULL,
	subspaces   INTEGER NOT NULL,
	centroids   INTEGER NOT NULL,
	sample_size INTEGER NOT NULL,
	seed        BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS compression_runs (
	id              BIGSERIAL PRIMARY KEY,
	model_dir       TEXT NOT NULL,
	output_dir      TEXT NOT NULL,
	format          TEXT NOT NULL,
	rows            BIGINT NOT NULL,
	pq_ratio        DOUBLE PRECISION NOT NULL,
	scalar_ratio    DOUBLE PRECISION NOT NULL,
	distinct_codes  BIGINT NOT NULL,
	degenerate_dims INTEGER NOT NULL,
	duration_ms     BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Registry stores run history in Postgres.
type Registry struct {
	db *sql.DB
}

// NewRegistry ensures the run tables exist.
func NewRegistry(ctx context.Context, db *sql.DB) (*Registry, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating run tables: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) RecordTraining(ctx context.Context, run TrainingRun) error {
	query := `INSERT INTO training_runs
		(model_dir, dimensions, subspaces, centroids, sample_size, seed, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query,
		run.ModelDir, run.Dimensions, run.Subspaces, run.Centroids,
		run.SampleSize, run.Seed, run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording training run: %w", err)
	}
	return nil
}

func (r *Registry) RecordCompression(ctx context.Context, run CompressionRun) error {
	query := `INSERT INTO compression_runs
		(model_dir, output_dir, format, rows, pq_ratio, scalar_ratio, distinct_codes, degenerate_dims, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, query,
		run.ModelDir, run.OutputDir, run.Format, run.Rows, run.PQRatio, run.ScalarRatio,
		int64(run.DistinctCodes), run.DegenerateDims, run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording compression run: %w", err)
	}
	return nil
}
