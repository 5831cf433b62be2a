package quantizer

// Quantizer is a trained, read-only vector codec. Both ProductQuantizer and
// ScalarQuantizer implement it.
type Quantizer interface {
	Encode(vector []float32) ([]byte, error)
	Decode(code []byte) ([]float32, error)
	Dimensions() int
	CompressedSize() int
}

// CompressionRatio returns how many times smaller q's codes are than the
// float32 vectors they replace.
func CompressionRatio(q Quantizer) float64 {
	size := q.CompressedSize()
	if size == 0 {
		return 0
	}
	return float64(q.Dimensions()*4) / float64(size)
}
