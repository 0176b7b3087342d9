package serialization

import (
	"errors"
	"fmt"
)

// Sentinel errors of the .born and SafeTensors readers and writers.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrTensorNotFound     = errors.New("tensor not found")
	ErrClosed             = errors.New("file is closed")

	// ErrInvalidHeader is matched by every *ValidationError.
	ErrInvalidHeader = errors.New("invalid checkpoint header")
)

// ValidationError describes a header that failed validation.
type ValidationError struct {
	Type    string // "offset_overlap", "out_of_bounds", "missing_weight", ...
	Tensor  string // Tensor or layer involved
	Tensor2 string // Second tensor, for overlaps
	Details string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Tensor2 != "":
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	case e.Tensor != "":
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Details)
	}
}

// Unwrap makes errors.Is(err, ErrInvalidHeader) true for validation errors.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidHeader
}
