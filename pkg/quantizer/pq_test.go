package quantizer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(rng *rand.Rand, n, dims int) [][]float32 {
	data := make([][]float32, n)
	for i := range data {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		data[i] = vec
	}
	return data
}

func smallConfig() PQConfig {
	return PQConfig{
		Dimensions: 8,
		Subspaces:  2,
		Centroids:  4,
		BatchSize:  32,
		Iterations: 50,
		InitSize:   100,
	}
}

func TestPQConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PQConfig)
		wantErr bool
	}{
		{"valid", func(*PQConfig) {}, false},
		{"not divisible", func(c *PQConfig) { c.Subspaces = 3 }, true},
		{"too many centroids", func(c *PQConfig) { c.Centroids = 257 }, true},
		{"max centroids", func(c *PQConfig) { c.Centroids = 256 }, false},
		{"zero subspaces", func(c *PQConfig) { c.Subspaces = 0 }, true},
		{"zero dims", func(c *PQConfig) { c.Dimensions = 0 }, true},
		{"zero iterations", func(c *PQConfig) { c.Iterations = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPQ_TrainEncodeDecodeScenario(t *testing.T) {
	data := randomVectors(rand.New(rand.NewSource(7)), 100, 8)

	pq, err := smallConfig().Train(context.Background(), data, 50000, rand.New(rand.NewSource(42)))
	require.NoError(t, err)

	codes, err := pq.EncodeBatch(context.Background(), data, 0)
	require.NoError(t, err)
	require.Len(t, codes, 100)
	for _, code := range codes {
		require.Len(t, code, 2)
		for _, c := range code {
			assert.Less(t, int(c), 4)
		}
	}

	for _, code := range codes {
		vec, err := pq.Decode(code)
		require.NoError(t, err)
		assert.Len(t, vec, 8)
		for _, v := range vec {
			assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
}

func TestPQ_CodesWithinRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := randomVectors(rng, 600, 32)
	cfg := PQConfig{Dimensions: 32, Subspaces: 4, Centroids: 256, BatchSize: 128, Iterations: 20, InitSize: 600}

	pq, err := cfg.Train(context.Background(), data, 0, rng)
	require.NoError(t, err)

	codes, err := pq.EncodeBatch(context.Background(), data, 3)
	require.NoError(t, err)
	for i, code := range codes {
		single, err := pq.Encode(data[i])
		require.NoError(t, err)
		assert.Equal(t, single, code, "batch and single encode disagree at row %d", i)
	}
}

func TestPQ_TrainingIsReproducible(t *testing.T) {
	data := randomVectors(rand.New(rand.NewSource(3)), 500, 16)
	cfg := PQConfig{Dimensions: 16, Subspaces: 4, Centroids: 8, BatchSize: 64, Iterations: 30, InitSize: 200}

	cfg.Workers = 1
	a, err := cfg.Train(context.Background(), data, 200, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	cfg.Workers = 4
	b, err := cfg.Train(context.Background(), data, 200, rand.New(rand.NewSource(99)))
	require.NoError(t, err)

	for m := 0; m < cfg.Subspaces; m++ {
		assert.Equal(t, a.Codebook(m), b.Codebook(m))
	}
}

func TestPQ_EncodeIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := randomVectors(rng, 100, 8)
	pq, err := smallConfig().Train(context.Background(), data, 0, rng)
	require.NoError(t, err)

	first, err := pq.Encode(data[17])
	require.NoError(t, err)
	second, err := pq.Encode(data[17])
	require.NoError(t, err)
	assert.Equal(t, first, second)

	dec1, _ := pq.Decode(first)
	dec2, _ := pq.Decode(second)
	assert.Equal(t, dec1, dec2)
}

func TestPQ_TieBreaksToLowestIndex(t *testing.T) {
	// Centroids 1 and 2 of the first codebook are identical, and every
	// centroid of the second is; the first minimum must win.
	codebooks := [][]float32{
		{5, 5, 1, 1, 1, 1, 9, 9},
		{0, 0, 0, 0, 0, 0, 0, 0},
	}
	pq, err := NewProductQuantizer(4, 2, 4, codebooks)
	require.NoError(t, err)

	code, err := pq.Encode([]float32{1, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, code)
}

func TestPQ_WidthMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pq, err := smallConfig().Train(context.Background(), randomVectors(rng, 100, 8), 0, rng)
	require.NoError(t, err)

	for _, width := range []int{7, 9, 16} {
		_, err := pq.Encode(make([]float32, width))
		assert.ErrorIs(t, err, ErrShape)

		var se *ShapeError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, 8, se.Expected)
		assert.Equal(t, width, se.Actual)
	}

	batch := randomVectors(rng, 10, 8)
	batch[6] = make([]float32, 12)
	codes, err := pq.EncodeBatch(context.Background(), batch, 0)
	assert.ErrorIs(t, err, ErrShape)
	assert.Nil(t, codes)
}

func TestPQ_DecodeRejectsBadCodes(t *testing.T) {
	pq, err := NewProductQuantizer(4, 2, 2, [][]float32{{0, 0, 1, 1}, {0, 0, 1, 1}})
	require.NoError(t, err)

	_, err = pq.Decode([]byte{0})
	assert.ErrorIs(t, err, ErrShape)
	_, err = pq.Decode([]byte{0, 2})
	assert.ErrorIs(t, err, ErrShape)

	vec, err := pq.Decode([]byte{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 0, 0}, vec)
}

func TestPQ_UntrainedModel(t *testing.T) {
	var pq ProductQuantizer
	_, err := pq.Encode(make([]float32, 8))
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = pq.Decode([]byte{0, 0})
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = pq.EncodeBatch(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestPQ_TrainFailures(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	_, err := smallConfig().Train(context.Background(), nil, 0, rng)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = smallConfig().Train(context.Background(), randomVectors(rng, 100, 8), 0, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = smallConfig().Train(context.Background(), randomVectors(rng, 3, 8), 0, rng)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = smallConfig().Train(context.Background(), randomVectors(rng, 100, 6), 0, rng)
	assert.ErrorIs(t, err, ErrShape)

	bad := smallConfig()
	bad.Centroids = 300
	_, err = bad.Train(context.Background(), randomVectors(rng, 400, 8), 0, rng)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPQ_ReconstructsClusteredData(t *testing.T) {
	// Four well separated blobs per subspace: reconstruction error should be
	// on the order of the blob noise.
	rng := rand.New(rand.NewSource(8))
	centers := [][]float32{{-4, -4}, {-4, 4}, {4, -4}, {4, 4}}
	data := make([][]float32, 400)
	for i := range data {
		a, b := centers[i%4], centers[(i/4)%4]
		data[i] = []float32{
			a[0] + rng.Float32()*0.1, a[1] + rng.Float32()*0.1,
			b[0] + rng.Float32()*0.1, b[1] + rng.Float32()*0.1,
		}
	}

	cfg := PQConfig{Dimensions: 4, Subspaces: 2, Centroids: 4, BatchSize: 64, Iterations: 100, InitSize: 400}
	pq, err := cfg.Train(context.Background(), data, 0, rng)
	require.NoError(t, err)

	codes, err := pq.EncodeBatch(context.Background(), data, 0)
	require.NoError(t, err)
	rec, err := pq.DecodeBatch(context.Background(), codes, 0)
	require.NoError(t, err)

	var mse float64
	for i := range data {
		for j := range data[i] {
			d := float64(data[i][j] - rec[i][j])
			mse += d * d
		}
	}
	mse /= float64(len(data) * 4)
	t.Logf("MSE: %f", mse)
	assert.Less(t, mse, 0.05)
}

func TestCompressionRatio(t *testing.T) {
	pq, err := NewProductQuantizer(8, 2, 2, [][]float32{make([]float32, 8), make([]float32, 8)})
	require.NoError(t, err)
	assert.InDelta(t, 16.0, CompressionRatio(pq), 1e-9)

	sq, err := NewScalarQuantizer([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, CompressionRatio(sq), 1e-9)
}
