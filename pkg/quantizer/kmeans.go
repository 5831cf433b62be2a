package quantizer

import (
	"fmt"
	"math"
	"math/rand"
)

// kmeansParams controls mini-batch k-means. iterations counts full passes
// over the training points, not single mini-batch steps.
type kmeansParams struct {
	k          int
	batchSize  int
	iterations int
	initSize   int
}

// miniBatchSteps returns how many mini-batch steps make up iterations
// passes over n points.
func miniBatchSteps(iterations, n, batchSize int) int {
	perPass := (n + batchSize - 1) / batchSize
	return iterations * perPass
}

// trainMiniBatchKMeans clusters n row-major points of width dim into p.k
// centroids and returns them flattened (k * dim).
//
// Seeding is k-means++ over a random subsample of p.initSize points. Each
// step then draws a mini-batch, assigns every point to its nearest
// centroid and moves that centroid towards the point with a per-centroid
// learning rate of 1/count. Training runs p.iterations passes of
// ceil(n/batch) steps each. All randomness comes from rng.
func trainMiniBatchKMeans(data []float32, n, dim int, p kmeansParams, rng *rand.Rand) ([]float32, error) {
	if n < p.k {
		return nil, fmt.Errorf("%w: %d training vectors for %d centroids", ErrConfiguration, n, p.k)
	}
	if len(data) != n*dim {
		return nil, fmt.Errorf("kmeans: data length %d, want %d", len(data), n*dim)
	}

	centroids := seedPlusPlus(data, n, dim, p, rng)

	batchSize := min(max(p.batchSize, 1), n)
	batch := make([]int, batchSize)
	assign := make([]int, batchSize)
	counts := make([]float64, p.k)

	steps := miniBatchSteps(p.iterations, n, batchSize)
	for step := 0; step < steps; step++ {
		for i := range batch {
			batch[i] = rng.Intn(n)
		}

		// Assignments are computed against the centroids as they were at
		// the start of the step.
		for i, idx := range batch {
			assign[i], _ = nearestCentroid(data[idx*dim:(idx+1)*dim], centroids, p.k, dim)
		}

		for i, idx := range batch {
			c := assign[i]
			counts[c]++
			eta := float32(1 / counts[c])
			cent := centroids[c*dim : (c+1)*dim]
			vec := data[idx*dim : (idx+1)*dim]
			for j := range cent {
				cent[j] += eta * (vec[j] - cent[j])
			}
		}
	}

	return centroids, nil
}

// seedPlusPlus picks initial centroids with k-means++ over a random subsample.
func seedPlusPlus(data []float32, n, dim int, p kmeansParams, rng *rand.Rand) []float32 {
	initN := min(n, max(p.initSize, p.k))
	sample := rng.Perm(n)[:initN]

	centroids := make([]float32, p.k*dim)
	first := sample[rng.Intn(initN)]
	copy(centroids[:dim], data[first*dim:(first+1)*dim])

	minDist := make([]float64, initN)
	for i, idx := range sample {
		minDist[i] = float64(l2Squared(data[idx*dim:(idx+1)*dim], centroids[:dim]))
	}

	for c := 1; c < p.k; c++ {
		var sum float64
		for _, d := range minDist {
			sum += d
		}

		pick := -1
		if sum > 0 {
			target := rng.Float64() * sum
			for i, d := range minDist {
				target -= d
				if target < 0 {
					pick = i
					break
				}
			}
		}
		if pick < 0 {
			// All remaining mass is zero (duplicate points) or rounding ran
			// past the end.
			pick = rng.Intn(initN)
		}

		idx := sample[pick]
		cent := centroids[c*dim : (c+1)*dim]
		copy(cent, data[idx*dim:(idx+1)*dim])

		for i, sidx := range sample {
			d := float64(l2Squared(data[sidx*dim:(sidx+1)*dim], cent))
			if d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	return centroids
}

// nearestCentroid returns the index of the centroid closest to vec. Ties go
// to the lowest index.
func nearestCentroid(vec, centroids []float32, k, dim int) (int, float32) {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for c := 0; c < k; c++ {
		d := l2Squared(vec, centroids[c*dim:(c+1)*dim])
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best, bestDist
}

func l2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
