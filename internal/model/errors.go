package model

import "errors"

var (
	// ErrUnsupportedLayer is returned for layers that cannot be represented: a
	// malformed class name or weights of an unsupported dtype or shape.
	ErrUnsupportedLayer = errors.New("unsupported layer type")
	// ErrUnsupportedFormat is returned for paths whose format cannot be read or written.
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	// ErrWeightMismatch is returned by SetWeights when the new weights don't fit the layer.
	ErrWeightMismatch = errors.New("weights do not match layer")
	// ErrInvalidTraining is returned by Compile for incomplete training configurations.
	ErrInvalidTraining = errors.New("invalid training configuration")
)
