package quantizer

import (
	"context"
	"fmt"
	"math"
)

// Epsilon keeps the affine map defined on constant dimensions, where
// max == min. Values on such a dimension quantize to 0.
const Epsilon = 1e-8

const levels = 255

// ScalarConfig describes an unfitted scalar quantizer. Dimensions may be
// zero, in which case it is taken from the first fitted row.
type ScalarConfig struct {
	Dimensions int
}

// Fit computes per-dimension minimum and maximum over every row.
func (c ScalarConfig) Fit(vectors [][]float32) (*ScalarQuantizer, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors provided", ErrConfiguration)
	}
	dims := c.Dimensions
	if dims == 0 {
		dims = len(vectors[0])
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrConfiguration)
	}
	if err := checkWidths("fit", vectors, dims); err != nil {
		return nil, err
	}

	sq := &ScalarQuantizer{
		dims: dims,
		mins: make([]float32, dims),
		maxs: make([]float32, dims),
	}
	for d := 0; d < dims; d++ {
		sq.mins[d] = math.MaxFloat32
		sq.maxs[d] = -math.MaxFloat32

		for i, vec := range vectors {
			v := vec[d]
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("%w: row %d dimension %d", ErrNonFinite, i, d)
			}
			if v < sq.mins[d] {
				sq.mins[d] = v
			}
			if v > sq.maxs[d] {
				sq.maxs[d] = v
			}
		}
	}

	return sq, nil
}

// ScalarQuantizer maps each dimension of a vector onto one byte using the
// fitted [min, max] range. Values outside the range saturate to 0 or 255.
type ScalarQuantizer struct {
	dims int
	mins []float32
	maxs []float32
}

// NewScalarQuantizer restores a fitted model from its per-dimension ranges.
func NewScalarQuantizer(mins, maxs []float32) (*ScalarQuantizer, error) {
	if len(mins) == 0 || len(mins) != len(maxs) {
		return nil, fmt.Errorf("%w: range vectors have lengths %d and %d", ErrConfiguration, len(mins), len(maxs))
	}
	for d := range mins {
		lo, hi := float64(mins[d]), float64(maxs[d])
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return nil, fmt.Errorf("%w: range of dimension %d", ErrNonFinite, d)
		}
		if lo > hi {
			return nil, fmt.Errorf("%w: dimension %d has min %v > max %v", ErrConfiguration, d, lo, hi)
		}
	}
	return &ScalarQuantizer{
		dims: len(mins),
		mins: append([]float32(nil), mins...),
		maxs: append([]float32(nil), maxs...),
	}, nil
}

func (sq *ScalarQuantizer) ready() error {
	if sq == nil || sq.dims == 0 || len(sq.mins) != sq.dims {
		return ErrNotTrained
	}
	return nil
}

// Quantize returns one byte per dimension of vector.
func (sq *ScalarQuantizer) Quantize(vector []float32) ([]byte, error) {
	if err := sq.ready(); err != nil {
		return nil, err
	}
	if len(vector) != sq.dims {
		return nil, shapeErr("quantize", -1, sq.dims, len(vector))
	}
	out := make([]byte, sq.dims)
	sq.quantizeInto(vector, out)
	return out, nil
}

func (sq *ScalarQuantizer) quantizeInto(vector []float32, out []byte) {
	for d, v := range vector {
		lo := float64(sq.mins[d])
		span := float64(sq.maxs[d]) - lo
		x := math.Round((float64(v) - lo) / (span + Epsilon) * levels)
		if math.IsNaN(x) {
			out[d] = 0
			continue
		}
		out[d] = uint8(math.Max(0, math.Min(levels, x)))
	}
}

// Dequantize inverts Quantize up to one quantization step per dimension.
func (sq *ScalarQuantizer) Dequantize(code []byte) ([]float32, error) {
	if err := sq.ready(); err != nil {
		return nil, err
	}
	if len(code) != sq.dims {
		return nil, shapeErr("dequantize", -1, sq.dims, len(code))
	}
	vec := make([]float32, sq.dims)
	sq.dequantizeInto(code, vec)
	return vec, nil
}

func (sq *ScalarQuantizer) dequantizeInto(code []byte, vec []float32) {
	for d, c := range code {
		lo := float64(sq.mins[d])
		span := float64(sq.maxs[d]) - lo
		vec[d] = float32(float64(c)/levels*span + lo)
	}
}

// QuantizeBatch quantizes every row, keeping row order.
func (sq *ScalarQuantizer) QuantizeBatch(ctx context.Context, vectors [][]float32, workers int) ([][]byte, error) {
	if err := sq.ready(); err != nil {
		return nil, err
	}
	if err := checkWidths("quantize", vectors, sq.dims); err != nil {
		return nil, err
	}

	flat := make([]byte, len(vectors)*sq.dims)
	out := make([][]byte, len(vectors))
	for i := range out {
		out[i] = flat[i*sq.dims : (i+1)*sq.dims : (i+1)*sq.dims]
	}
	err := forEachChunk(ctx, len(vectors), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			sq.quantizeInto(vectors[i], out[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeBatch reconstructs every row.
func (sq *ScalarQuantizer) DequantizeBatch(ctx context.Context, codes [][]byte, workers int) ([][]float32, error) {
	if err := sq.ready(); err != nil {
		return nil, err
	}
	for i, code := range codes {
		if len(code) != sq.dims {
			return nil, shapeErr("dequantize", i, sq.dims, len(code))
		}
	}

	flat := make([]float32, len(codes)*sq.dims)
	out := make([][]float32, len(codes))
	for i := range out {
		out[i] = flat[i*sq.dims : (i+1)*sq.dims : (i+1)*sq.dims]
	}
	err := forEachChunk(ctx, len(codes), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			sq.dequantizeInto(codes[i], out[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Encode is Quantize, for the Quantizer interface.
func (sq *ScalarQuantizer) Encode(vector []float32) ([]byte, error) { return sq.Quantize(vector) }

// Decode is Dequantize, for the Quantizer interface.
func (sq *ScalarQuantizer) Decode(code []byte) ([]float32, error) { return sq.Dequantize(code) }

// DegenerateDims lists the dimensions whose fitted range is empty.
func (sq *ScalarQuantizer) DegenerateDims() []int {
	var dims []int
	for d := range sq.mins {
		if sq.mins[d] == sq.maxs[d] {
			dims = append(dims, d)
		}
	}
	return dims
}

// Mins returns a copy of the per-dimension minimums.
func (sq *ScalarQuantizer) Mins() []float32 { return append([]float32(nil), sq.mins...) }

// Maxs returns a copy of the per-dimension maximums.
func (sq *ScalarQuantizer) Maxs() []float32 { return append([]float32(nil), sq.maxs...) }

func (sq *ScalarQuantizer) Dimensions() int { return sq.dims }

func (sq *ScalarQuantizer) CompressedSize() int { return sq.dims }
