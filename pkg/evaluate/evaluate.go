// Package evaluate measures how faithfully a quantizer reconstructs vectors.
package evaluate

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// normEpsilon guards the cosine normalisation against zero vectors.
const normEpsilon = 1e-8

var ErrEmptyInput = errors.New("evaluate: no vectors")

// Report holds reconstruction fidelity over a set of vectors.
type Report struct {
	MSE              float64 `json:"mse"`
	MAE              float64 `json:"mae"`
	CosineSimilarity float64 `json:"cosine_similarity"`
}

// Compare computes the mean squared error and mean absolute error over all
// elements, and the mean per-row cosine similarity.
func Compare(original, reconstructed [][]float32) (Report, error) {
	if len(original) == 0 {
		return Report{}, ErrEmptyInput
	}
	if len(original) != len(reconstructed) {
		return Report{}, fmt.Errorf("evaluate: %d original rows, %d reconstructed", len(original), len(reconstructed))
	}

	var sqSum, absSum float64
	var elems int
	cosines := make([]float64, len(original))

	a := make([]float64, 0, len(original[0]))
	b := make([]float64, 0, len(original[0]))
	diff := make([]float64, 0, len(original[0]))
	for i := range original {
		if len(original[i]) != len(reconstructed[i]) {
			return Report{}, fmt.Errorf("evaluate: row %d: widths %d and %d", i, len(original[i]), len(reconstructed[i]))
		}
		a = widen(a[:0], original[i])
		b = widen(b[:0], reconstructed[i])

		diff = append(diff[:0], a...)
		floats.Sub(diff, b)
		sqSum += floats.Dot(diff, diff)
		absSum += floats.Norm(diff, 1)
		elems += len(diff)

		cosines[i] = floats.Dot(a, b) / ((floats.Norm(a, 2) + normEpsilon) * (floats.Norm(b, 2) + normEpsilon))
	}
	if elems == 0 {
		return Report{}, ErrEmptyInput
	}

	return Report{
		MSE:              sqSum / float64(elems),
		MAE:              absSum / float64(elems),
		CosineSimilarity: stat.Mean(cosines, nil),
	}, nil
}

func widen(dst []float64, src []float32) []float64 {
	for _, v := range src {
		dst = append(dst, float64(v))
	}
	return dst
}
