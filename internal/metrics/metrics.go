package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	VectorsEncodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressor_vectors_encoded_total",
		Help: "The total number of embeddings encoded",
	}, []string{"quantizer"}) // quantizer: pq, int8

	TrainingDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compressor_training_duration_seconds",
		Help:    "Time spent fitting a quantizer",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"quantizer"})

	CompressionRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compressor_compression_ratio",
		Help: "Raw float32 bytes divided by encoded bytes per vector",
	}, []string{"quantizer"})

	ReconstructionMSE = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compressor_reconstruction_mse",
		Help: "Mean squared reconstruction error of the last evaluation",
	}, []string{"quantizer"})

	ReconstructionMAE = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compressor_reconstruction_mae",
		Help: "Mean absolute reconstruction error of the last evaluation",
	}, []string{"quantizer"})

	ReconstructionCosine = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compressor_reconstruction_cosine_similarity",
		Help: "Mean cosine similarity between original and reconstructed vectors",
	}, []string{"quantizer"})

	DegenerateDimensions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compressor_scalar_degenerate_dimensions",
		Help: "Dimensions whose fitted min equals max",
	})

	DistinctPQCodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compressor_distinct_pq_codes_estimate",
		Help: "HyperLogLog estimate of distinct PQ code rows in the last compress run",
	})
)

// Push sends everything in the default registry to a Pushgateway under job.
// Batch commands call it once before exiting; an empty url is a no-op.
func Push(ctx context.Context, url, job string) error {
	return pushFrom(ctx, prometheus.DefaultGatherer, url, job)
}

func pushFrom(ctx context.Context, g prometheus.Gatherer, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
