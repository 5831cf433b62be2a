package quantizer

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for invalid quantizer parameters
	// (D not divisible by M, K outside [1, 256], too few training rows).
	ErrConfiguration = errors.New("invalid quantizer configuration")

	// ErrNotTrained is returned when a model is used before training or fitting.
	ErrNotTrained = errors.New("quantizer not trained")

	// ErrShape is returned when an input's width does not match the model.
	ErrShape = errors.New("input shape mismatch")

	// ErrArtifact is returned for corrupt or incompatible model artifacts.
	ErrArtifact = errors.New("invalid model artifact")

	// ErrNonFinite is returned when fitting data contains NaN or Inf.
	ErrNonFinite = errors.New("non-finite value in input")
)

// ShapeError describes a width mismatch. It matches ErrShape with errors.Is.
type ShapeError struct {
	Op       string
	Row      int
	Expected int
	Actual   int
}

func (e *ShapeError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("%s: row %d: expected width %d, got %d", e.Op, e.Row, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: expected width %d, got %d", e.Op, e.Expected, e.Actual)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

func shapeErr(op string, row, expected, actual int) error {
	return &ShapeError{Op: op, Row: row, Expected: expected, Actual: actual}
}
