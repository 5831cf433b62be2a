package quantizer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MaxCentroids is the largest codebook size whose indices fit in one byte.
const MaxCentroids = 256

// PQConfig describes an untrained product quantizer. Its only operation is
// Train, which returns a ProductQuantizer.
type PQConfig struct {
	Dimensions int // D
	Subspaces  int // M, must divide D
	Centroids  int // K, at most 256

	// Mini-batch k-means settings shared by every subspace. Iterations
	// counts passes over the training sample.
	BatchSize  int
	Iterations int
	InitSize   int

	// Workers bounds the number of subspaces trained concurrently.
	// Zero means GOMAXPROCS.
	Workers int
}

// DefaultPQConfig returns the production settings for dimension dims:
// 8 subspaces of 256 centroids each.
func DefaultPQConfig(dims int) PQConfig {
	return PQConfig{
		Dimensions: dims,
		Subspaces:  8,
		Centroids:  MaxCentroids,
		BatchSize:  1000,
		Iterations: 50,
		InitSize:   3000,
	}
}

// Validate checks the structural invariants of the configuration.
func (c PQConfig) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %d", ErrConfiguration, c.Dimensions)
	}
	if c.Subspaces <= 0 {
		return fmt.Errorf("%w: subspaces must be positive, got %d", ErrConfiguration, c.Subspaces)
	}
	if c.Dimensions%c.Subspaces != 0 {
		return fmt.Errorf("%w: dimension %d is not divisible by %d subspaces", ErrConfiguration, c.Dimensions, c.Subspaces)
	}
	if c.Centroids <= 0 || c.Centroids > MaxCentroids {
		return fmt.Errorf("%w: centroids must be in [1, %d], got %d", ErrConfiguration, MaxCentroids, c.Centroids)
	}
	if c.BatchSize <= 0 || c.Iterations <= 0 {
		return fmt.Errorf("%w: batch size and iterations must be positive", ErrConfiguration)
	}
	return nil
}

// SubvectorDim returns D/M.
func (c PQConfig) SubvectorDim() int {
	return c.Dimensions / c.Subspaces
}

// Train learns one codebook per subspace from vectors.
//
// When sampleSize > 0 and there are more vectors than sampleSize, a uniform
// sample of sampleSize rows is drawn without replacement and only the sample
// is clustered. All randomness is drawn from rng, so a generator seeded with
// the same value reproduces the same model regardless of Workers.
func (c PQConfig) Train(ctx context.Context, vectors [][]float32, sampleSize int, rng *rand.Rand) (*ProductQuantizer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random generator is required", ErrConfiguration)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no training vectors", ErrConfiguration)
	}
	if err := checkWidths("train", vectors, c.Dimensions); err != nil {
		return nil, err
	}

	sample := vectors
	if sampleSize > 0 && len(vectors) > sampleSize {
		idx := rng.Perm(len(vectors))[:sampleSize]
		sort.Ints(idx)
		sample = make([][]float32, sampleSize)
		for i, j := range idx {
			sample[i] = vectors[j]
		}
	}
	if len(sample) < c.Centroids {
		return nil, fmt.Errorf("%w: %d training vectors for %d centroids", ErrConfiguration, len(sample), c.Centroids)
	}

	// Seeds are drawn up front, in subspace order, so scheduling does not
	// change the result.
	seeds := make([]int64, c.Subspaces)
	for m := range seeds {
		seeds[m] = rng.Int63()
	}

	params := kmeansParams{
		k:          c.Centroids,
		batchSize:  c.BatchSize,
		iterations: c.Iterations,
		initSize:   c.InitSize,
	}
	subDim := c.SubvectorDim()
	n := len(sample)
	codebooks := make([][]float32, c.Subspaces)

	g, gctx := errgroup.WithContext(ctx)
	if c.Workers > 0 {
		g.SetLimit(c.Workers)
	}
	for m := 0; m < c.Subspaces; m++ {
		m := m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			flat := make([]float32, n*subDim)
			for i, vec := range sample {
				copy(flat[i*subDim:(i+1)*subDim], vec[m*subDim:(m+1)*subDim])
			}
			centroids, err := trainMiniBatchKMeans(flat, n, subDim, params, rand.New(rand.NewSource(seeds[m])))
			if err != nil {
				return fmt.Errorf("training subspace %d: %w", m, err)
			}
			codebooks[m] = centroids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ProductQuantizer{
		dims:      c.Dimensions,
		m:         c.Subspaces,
		k:         c.Centroids,
		subDim:    subDim,
		codebooks: codebooks,
	}, nil
}

// ProductQuantizer is a trained PQ model. Its codebooks never change after
// construction; a zero value reports ErrNotTrained.
type ProductQuantizer struct {
	dims      int
	m         int
	k         int
	subDim    int
	codebooks [][]float32 // M codebooks, each K*subDim floats
}

// NewProductQuantizer restores a trained model from its learned state.
// codebooks must hold m slices of k*(dims/m) floats; they are copied.
func NewProductQuantizer(dims, m, k int, codebooks [][]float32) (*ProductQuantizer, error) {
	cfg := PQConfig{Dimensions: dims, Subspaces: m, Centroids: k, BatchSize: 1, Iterations: 1}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(codebooks) != m {
		return nil, fmt.Errorf("%w: got %d codebooks for %d subspaces", ErrConfiguration, len(codebooks), m)
	}
	subDim := dims / m
	owned := make([][]float32, m)
	for i, cb := range codebooks {
		if len(cb) != k*subDim {
			return nil, fmt.Errorf("%w: codebook %d has %d values, want %d", ErrConfiguration, i, len(cb), k*subDim)
		}
		owned[i] = append([]float32(nil), cb...)
	}
	return &ProductQuantizer{dims: dims, m: m, k: k, subDim: subDim, codebooks: owned}, nil
}

func (pq *ProductQuantizer) ready() error {
	if pq == nil || pq.m == 0 || len(pq.codebooks) != pq.m {
		return ErrNotTrained
	}
	return nil
}

// Encode returns the M-byte code of vector.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if err := pq.ready(); err != nil {
		return nil, err
	}
	if len(vector) != pq.dims {
		return nil, shapeErr("encode", -1, pq.dims, len(vector))
	}
	code := make([]byte, pq.m)
	pq.encodeInto(vector, code)
	return code, nil
}

func (pq *ProductQuantizer) encodeInto(vector []float32, code []byte) {
	for m := 0; m < pq.m; m++ {
		sub := vector[m*pq.subDim : (m+1)*pq.subDim]
		idx, _ := nearestCentroid(sub, pq.codebooks[m], pq.k, pq.subDim)
		code[m] = byte(idx)
	}
}

// Decode reconstructs the approximate vector for code.
func (pq *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	if err := pq.ready(); err != nil {
		return nil, err
	}
	if err := pq.checkCode("decode", -1, code); err != nil {
		return nil, err
	}
	vec := make([]float32, pq.dims)
	pq.decodeInto(code, vec)
	return vec, nil
}

func (pq *ProductQuantizer) decodeInto(code []byte, vec []float32) {
	for m, c := range code {
		cent := pq.codebooks[m][int(c)*pq.subDim : (int(c)+1)*pq.subDim]
		copy(vec[m*pq.subDim:], cent)
	}
}

func (pq *ProductQuantizer) checkCode(op string, row int, code []byte) error {
	if len(code) != pq.m {
		return shapeErr(op, row, pq.m, len(code))
	}
	for m, c := range code {
		if int(c) >= pq.k {
			return fmt.Errorf("%w: %s: subspace %d code %d out of range [0, %d)", ErrShape, op, m, c, pq.k)
		}
	}
	return nil
}

// EncodeBatch encodes every row. Row i of the result is the code of
// vectors[i]. All rows are validated before encoding starts.
func (pq *ProductQuantizer) EncodeBatch(ctx context.Context, vectors [][]float32, workers int) ([][]byte, error) {
	if err := pq.ready(); err != nil {
		return nil, err
	}
	if err := checkWidths("encode", vectors, pq.dims); err != nil {
		return nil, err
	}

	flat := make([]byte, len(vectors)*pq.m)
	codes := make([][]byte, len(vectors))
	for i := range codes {
		codes[i] = flat[i*pq.m : (i+1)*pq.m : (i+1)*pq.m]
	}

	err := forEachChunk(ctx, len(vectors), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			pq.encodeInto(vectors[i], codes[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DecodeBatch reconstructs every code.
func (pq *ProductQuantizer) DecodeBatch(ctx context.Context, codes [][]byte, workers int) ([][]float32, error) {
	if err := pq.ready(); err != nil {
		return nil, err
	}
	for i, code := range codes {
		if err := pq.checkCode("decode", i, code); err != nil {
			return nil, err
		}
	}

	flat := make([]float32, len(codes)*pq.dims)
	out := make([][]float32, len(codes))
	for i := range out {
		out[i] = flat[i*pq.dims : (i+1)*pq.dims : (i+1)*pq.dims]
	}

	err := forEachChunk(ctx, len(codes), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			pq.decodeInto(codes[i], out[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (pq *ProductQuantizer) Dimensions() int { return pq.dims }

func (pq *ProductQuantizer) Subspaces() int { return pq.m }

func (pq *ProductQuantizer) Centroids() int { return pq.k }

// CompressedSize is the code length in bytes (M).
func (pq *ProductQuantizer) CompressedSize() int { return pq.m }

// Codebook returns a copy of subspace m's centroids, flattened K*(D/M).
func (pq *ProductQuantizer) Codebook(m int) []float32 {
	return append([]float32(nil), pq.codebooks[m]...)
}
