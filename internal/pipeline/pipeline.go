// Package pipeline runs the offline train, compress and evaluate jobs over
// an embeddings file.
package pipeline

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/yourusername/embedding-compressor/internal/arrayio"
	"github.com/yourusername/embedding-compressor/internal/storage"
	"github.com/yourusername/embedding-compressor/pkg/quantizer"
	"go.uber.org/zap"
)

// Artifact and output names inside the model and output directories.
const (
	PQCodebookFile  = "pq_codebook.bin"
	ScalarModelFile = "scalar_quantizer.bin"
	PQCodesName     = "pq_codes"
	ScalarCodesName = "int8_vectors"
)

var ErrNoEmbeddings = errors.New("embeddings file contains no rows")

// Jobs holds what every job shares.
type Jobs struct {
	logger   *zap.Logger
	recorder storage.RunRecorder
}

// New returns Jobs that log to logger and record finished runs to recorder.
// A nil recorder disables recording.
func New(logger *zap.Logger, recorder storage.RunRecorder) *Jobs {
	if recorder == nil {
		recorder = storage.NopRecorder{}
	}
	return &Jobs{logger: logger, recorder: recorder}
}

func loadEmbeddings(path string) ([][]float32, error) {
	rows, err := arrayio.ReadMatrix(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoEmbeddings)
	}
	return rows, nil
}

// loadModels reads both artifacts from dir and checks they share D.
func loadModels(dir string) (*quantizer.ProductQuantizer, *quantizer.ScalarQuantizer, error) {
	pq, err := quantizer.LoadProductQuantizer(filepath.Join(dir, PQCodebookFile), 0)
	if err != nil {
		return nil, nil, err
	}
	sq, err := quantizer.LoadScalarQuantizer(filepath.Join(dir, ScalarModelFile), pq.Dimensions())
	if err != nil {
		return nil, nil, err
	}
	return pq, sq, nil
}

// sampleRows picks n rows uniformly without replacement, keeping file order.
func sampleRows(rows [][]float32, n int, rng *rand.Rand) [][]float32 {
	if n <= 0 || n >= len(rows) {
		return rows
	}
	idx := rng.Perm(len(rows))[:n]
	sort.Ints(idx)
	out := make([][]float32, n)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}
