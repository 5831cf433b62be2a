package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/embedding-compressor/internal/config"
	"github.com/yourusername/embedding-compressor/internal/metrics"
	"github.com/yourusername/embedding-compressor/internal/storage"
	"github.com/yourusername/embedding-compressor/pkg/quantizer"
	"go.uber.org/zap"
)

type TrainOptions struct {
	EmbeddingsPath string
	OutputDir      string
	// SampleSize caps the rows used for codebook training. Zero uses all rows.
	SampleSize int
	Seed       int64
	Quantizer  config.QuantizerConfig
	Workers    int
}

type TrainResult struct {
	PQPath         string
	ScalarPath     string
	Rows           int
	Dimensions     int
	DegenerateDims []int
	Duration       time.Duration
}

// Train fits the product quantizer on a sample and the scalar quantizer on
// every row, then saves both artifacts into OutputDir. Nothing is written
// unless both models train successfully.
func (j *Jobs) Train(ctx context.Context, opts TrainOptions) (*TrainResult, error) {
	start := time.Now()

	rows, err := loadEmbeddings(opts.EmbeddingsPath)
	if err != nil {
		return nil, err
	}
	dims := len(rows[0])
	if opts.Quantizer.Dimensions > 0 && opts.Quantizer.Dimensions != dims {
		return nil, &quantizer.ShapeError{Op: "train", Row: -1, Expected: opts.Quantizer.Dimensions, Actual: dims}
	}
	j.logger.Info("Loaded embeddings",
		zap.String("path", opts.EmbeddingsPath),
		zap.Int("rows", len(rows)),
		zap.Int("dimensions", dims))

	pqCfg := quantizer.PQConfig{
		Dimensions: dims,
		Subspaces:  opts.Quantizer.Subspaces,
		Centroids:  opts.Quantizer.Centroids,
		BatchSize:  opts.Quantizer.BatchSize,
		Iterations: opts.Quantizer.Iterations,
		InitSize:   opts.Quantizer.InitSize,
		Workers:    opts.Workers,
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	pqStart := time.Now()
	pq, err := pqCfg.Train(ctx, rows, opts.SampleSize, rng)
	if err != nil {
		return nil, fmt.Errorf("training product quantizer: %w", err)
	}
	metrics.TrainingDurationSeconds.WithLabelValues("pq").Observe(time.Since(pqStart).Seconds())
	j.logger.Info("Trained product quantizer",
		zap.Int("subspaces", pq.Subspaces()),
		zap.Int("centroids", pq.Centroids()),
		zap.Duration("took", time.Since(pqStart)))

	sqStart := time.Now()
	sq, err := quantizer.ScalarConfig{Dimensions: dims}.Fit(rows)
	if err != nil {
		return nil, fmt.Errorf("fitting scalar quantizer: %w", err)
	}
	metrics.TrainingDurationSeconds.WithLabelValues("int8").Observe(time.Since(sqStart).Seconds())

	degenerate := sq.DegenerateDims()
	metrics.DegenerateDimensions.Set(float64(len(degenerate)))
	if len(degenerate) > 0 {
		j.logger.Warn("Scalar quantizer has constant dimensions; their codes will always be 0",
			zap.Int("count", len(degenerate)),
			zap.Ints("dimensions", degenerate))
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating model directory: %w", err)
	}
	res := &TrainResult{
		PQPath:         filepath.Join(opts.OutputDir, PQCodebookFile),
		ScalarPath:     filepath.Join(opts.OutputDir, ScalarModelFile),
		Rows:           len(rows),
		Dimensions:     dims,
		DegenerateDims: degenerate,
	}
	// Both models are replaced together or not at all.
	err = quantizer.SaveArtifacts(
		quantizer.Artifact{Path: res.PQPath, Model: pq},
		quantizer.Artifact{Path: res.ScalarPath, Model: sq},
	)
	if err != nil {
		return nil, fmt.Errorf("saving models: %w", err)
	}
	res.Duration = time.Since(start)

	j.logger.Info("Saved models",
		zap.String("pq", res.PQPath),
		zap.String("scalar", res.ScalarPath),
		zap.Duration("took", res.Duration))

	sampled := len(rows)
	if opts.SampleSize > 0 && opts.SampleSize < sampled {
		sampled = opts.SampleSize
	}
	err = j.recorder.RecordTraining(ctx, storage.TrainingRun{
		ModelDir:   opts.OutputDir,
		Dimensions: dims,
		Subspaces:  pq.Subspaces(),
		Centroids:  pq.Centroids(),
		SampleSize: sampled,
		Seed:       opts.Seed,
		Duration:   res.Duration,
	})
	if err != nil {
		j.logger.Warn("Failed to record training run", zap.Error(err))
	}

	return res, nil
}
