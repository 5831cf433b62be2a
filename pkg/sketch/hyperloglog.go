// Package sketch provides a HyperLogLog distinct counter. The compress job
// uses it to estimate how many different PQ codes a batch produced.
package sketch

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// HyperLogLog estimates the number of distinct byte strings added to it.
// It is not safe for concurrent use.
type HyperLogLog struct {
	precision uint8
	m         uint32
	registers []uint8
	alpha     float64
}

// NewHyperLogLog creates a counter with 2^precision registers. The relative
// standard error is about 1.04/sqrt(2^precision).
func NewHyperLogLog(precision int) (*HyperLogLog, error) {
	if precision < 4 || precision > 18 {
		return nil, fmt.Errorf("hyperloglog precision must be in [4, 18], got %d", precision)
	}
	p := uint8(precision)
	m := uint32(1) << p

	var alpha float64
	switch m {
	case 16:
		alpha = 0.673
	case 32:
		alpha = 0.697
	case 64:
		alpha = 0.709
	default:
		alpha = 0.7213 / (1 + 1.079/float64(m))
	}

	return &HyperLogLog{
		precision: p,
		m:         m,
		registers: make([]uint8, m),
		alpha:     alpha,
	}, nil
}

// Add records item.
func (h *HyperLogLog) Add(item []byte) {
	hash := xxhash.Sum64(item)
	idx := hash >> (64 - h.precision)
	// The sentinel bit bounds the rank when the remaining bits are all zero.
	w := hash<<h.precision | 1<<(h.precision-1)
	rank := uint8(bits.LeadingZeros64(w)) + 1
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

// Count returns the estimated number of distinct items.
func (h *HyperLogLog) Count() uint64 {
	sum := 0.0
	zeros := 0
	for _, val := range h.registers {
		sum += math.Ldexp(1, -int(val))
		if val == 0 {
			zeros++
		}
	}

	m := float64(h.m)
	estimate := h.alpha * m * m / sum
	if estimate <= 2.5*m && zeros != 0 {
		estimate = m * math.Log(m/float64(zeros))
	}
	return uint64(math.Round(estimate))
}
