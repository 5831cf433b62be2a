package pipeline

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/yourusername/embedding-compressor/internal/metrics"
	"github.com/yourusername/embedding-compressor/pkg/evaluate"
	"github.com/yourusername/embedding-compressor/pkg/quantizer"
	"go.uber.org/zap"
)

type EvaluateOptions struct {
	EmbeddingsPath string
	ModelDir       string
	// Samples caps the rows evaluated. Zero evaluates every row.
	Samples int
	Seed    int64
	Workers int
}

type EvaluateResult struct {
	Rows        int             `json:"rows"`
	PQ          evaluate.Report `json:"pq"`
	Scalar      evaluate.Report `json:"int8"`
	PQRatio     float64         `json:"pq_compression_ratio"`
	ScalarRatio float64         `json:"int8_compression_ratio"`
}

// Evaluate round-trips a sample of embeddings through both saved models and
// reports reconstruction fidelity. It writes no files.
func (j *Jobs) Evaluate(ctx context.Context, opts EvaluateOptions) (*EvaluateResult, error) {
	pq, sq, err := loadModels(opts.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("loading models: %w", err)
	}

	rows, err := loadEmbeddings(opts.EmbeddingsPath)
	if err != nil {
		return nil, err
	}
	rows = sampleRows(rows, opts.Samples, rand.New(rand.NewSource(opts.Seed)))

	pqCodes, err := pq.EncodeBatch(ctx, rows, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("product quantizing: %w", err)
	}
	pqRecon, err := pq.DecodeBatch(ctx, pqCodes, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("decoding product codes: %w", err)
	}
	sqCodes, err := sq.QuantizeBatch(ctx, rows, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("scalar quantizing: %w", err)
	}
	sqRecon, err := sq.DequantizeBatch(ctx, sqCodes, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("dequantizing: %w", err)
	}

	res := &EvaluateResult{
		Rows:        len(rows),
		PQRatio:     quantizer.CompressionRatio(pq),
		ScalarRatio: quantizer.CompressionRatio(sq),
	}
	if res.PQ, err = evaluate.Compare(rows, pqRecon); err != nil {
		return nil, err
	}
	if res.Scalar, err = evaluate.Compare(rows, sqRecon); err != nil {
		return nil, err
	}

	for label, rep := range map[string]evaluate.Report{"pq": res.PQ, "int8": res.Scalar} {
		metrics.ReconstructionMSE.WithLabelValues(label).Set(rep.MSE)
		metrics.ReconstructionMAE.WithLabelValues(label).Set(rep.MAE)
		metrics.ReconstructionCosine.WithLabelValues(label).Set(rep.CosineSimilarity)
	}
	metrics.CompressionRatio.WithLabelValues("pq").Set(res.PQRatio)
	metrics.CompressionRatio.WithLabelValues("int8").Set(res.ScalarRatio)

	j.logger.Info("Evaluated reconstruction",
		zap.Int("rows", res.Rows),
		zap.Float64("pq_mse", res.PQ.MSE),
		zap.Float64("pq_cosine", res.PQ.CosineSimilarity),
		zap.Float64("int8_mse", res.Scalar.MSE),
		zap.Float64("int8_cosine", res.Scalar.CosineSimilarity))

	return res, nil
}
