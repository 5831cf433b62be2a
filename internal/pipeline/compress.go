package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/embedding-compressor/internal/arrayio"
	"github.com/yourusername/embedding-compressor/internal/metrics"
	"github.com/yourusername/embedding-compressor/internal/storage"
	"github.com/yourusername/embedding-compressor/pkg/quantizer"
	"github.com/yourusername/embedding-compressor/pkg/sketch"
	"go.uber.org/zap"
)

// hllPrecision gives roughly 0.8% relative error on the distinct-code count.
const hllPrecision = 14

type CompressOptions struct {
	EmbeddingsPath string
	ModelDir       string
	OutputDir      string
	Format         arrayio.Format
	Workers        int
}

type CompressResult struct {
	PQCodesPath     string
	ScalarCodesPath string
	Rows            int
	PQRatio         float64
	ScalarRatio     float64
	DistinctPQCodes uint64
	Duration        time.Duration
}

// Compress encodes every embedding with both saved models and writes the
// aligned code arrays: row i of each output is row i of the input. Both
// outputs appear together or not at all.
func (j *Jobs) Compress(ctx context.Context, opts CompressOptions) (*CompressResult, error) {
	start := time.Now()

	format := opts.Format
	if format == "" {
		format = arrayio.FormatNPY
	}

	pq, sq, err := loadModels(opts.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("loading models: %w", err)
	}

	rows, err := loadEmbeddings(opts.EmbeddingsPath)
	if err != nil {
		return nil, err
	}
	if w := len(rows[0]); w != pq.Dimensions() {
		return nil, &quantizer.ShapeError{Op: "compress", Row: -1, Expected: pq.Dimensions(), Actual: w}
	}
	j.logger.Info("Compressing embeddings",
		zap.String("path", opts.EmbeddingsPath),
		zap.Int("rows", len(rows)),
		zap.Int("dimensions", pq.Dimensions()))

	pqCodes, err := pq.EncodeBatch(ctx, rows, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("product quantizing: %w", err)
	}
	sqCodes, err := sq.QuantizeBatch(ctx, rows, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("scalar quantizing: %w", err)
	}

	hll, err := sketch.NewHyperLogLog(hllPrecision)
	if err != nil {
		return nil, err
	}
	for _, code := range pqCodes {
		hll.Add(code)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	res := &CompressResult{
		PQCodesPath:     filepath.Join(opts.OutputDir, PQCodesName+format.Ext()),
		ScalarCodesPath: filepath.Join(opts.OutputDir, ScalarCodesName+format.Ext()),
		Rows:            len(rows),
		PQRatio:         quantizer.CompressionRatio(pq),
		ScalarRatio:     quantizer.CompressionRatio(sq),
		DistinctPQCodes: hll.Count(),
	}
	err = arrayio.CommitCodes([]arrayio.CodeFile{
		{Path: res.PQCodesPath, Rows: pqCodes, Cols: pq.CompressedSize()},
		{Path: res.ScalarCodesPath, Rows: sqCodes, Cols: sq.CompressedSize()},
	})
	if err != nil {
		return nil, fmt.Errorf("writing codes: %w", err)
	}
	res.Duration = time.Since(start)

	metrics.VectorsEncodedTotal.WithLabelValues("pq").Add(float64(len(rows)))
	metrics.VectorsEncodedTotal.WithLabelValues("int8").Add(float64(len(rows)))
	metrics.CompressionRatio.WithLabelValues("pq").Set(res.PQRatio)
	metrics.CompressionRatio.WithLabelValues("int8").Set(res.ScalarRatio)
	metrics.DistinctPQCodes.Set(float64(res.DistinctPQCodes))

	j.logger.Info("Wrote compressed codes",
		zap.String("pq_codes", res.PQCodesPath),
		zap.String("int8_vectors", res.ScalarCodesPath),
		zap.Float64("pq_ratio", res.PQRatio),
		zap.Float64("int8_ratio", res.ScalarRatio),
		zap.Uint64("distinct_pq_codes", res.DistinctPQCodes),
		zap.Duration("took", res.Duration))

	err = j.recorder.RecordCompression(ctx, storage.CompressionRun{
		ModelDir:       opts.ModelDir,
		OutputDir:      opts.OutputDir,
		Format:         string(format),
		Rows:           res.Rows,
		PQRatio:        res.PQRatio,
		ScalarRatio:    res.ScalarRatio,
		DistinctCodes:  res.DistinctPQCodes,
		DegenerateDims: len(sq.DegenerateDims()),
		Duration:       res.Duration,
	})
	if err != nil {
		j.logger.Warn("Failed to record compression run", zap.Error(err))
	}

	return res, nil
}
