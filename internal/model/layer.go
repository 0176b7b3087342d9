package model

import (
	"fmt"

	"github.com/born-ml/f32ckpt/internal/tensor"
)

// ParameterHolder is the capability shared by every layer kind: it may own
// parameter tensors, which can be read and replaced as a whole.
type ParameterHolder interface {
	HasParameters() bool
	Weights() []*tensor.RawTensor
	SetWeights(weights []*tensor.RawTensor) error
}

// Layer is a named, ordered component of a model owning zero or more
// parameter tensors.
type Layer struct {
	name        string
	kind        string
	weightNames []string
	weights     []*tensor.RawTensor
}

var _ ParameterHolder = (*Layer)(nil)

// NewLayer creates a layer. weightNames and weights must have the same length.
func NewLayer(name, kind string, weightNames []string, weights []*tensor.RawTensor) (*Layer, error) {
	if name == "" {
		return nil, fmt.Errorf("layer name is empty")
	}
	if len(weightNames) != len(weights) {
		return nil, fmt.Errorf("layer %q: %d weight names for %d weights", name, len(weightNames), len(weights))
	}
	if err := checkKind(kind); err != nil {
		return nil, fmt.Errorf("layer %q: %w", name, err)
	}
	return &Layer{
		name:        name,
		kind:        kind,
		weightNames: append([]string(nil), weightNames...),
		weights:     append([]*tensor.RawTensor(nil), weights...),
	}, nil
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// Kind returns the layer class name ("Dense", "Conv2D", ...), empty if unknown.
func (l *Layer) Kind() string { return l.kind }

// HasParameters reports whether the layer owns at least one parameter tensor.
func (l *Layer) HasParameters() bool { return len(l.weights) > 0 }

// WeightNames returns the fully qualified names of the layer's tensors, in order.
func (l *Layer) WeightNames() []string {
	return append([]string(nil), l.weightNames...)
}

// Weights returns the layer's parameter tensors, in order.
// The returned slice is a copy; the tensors are not.
func (l *Layer) Weights() []*tensor.RawTensor {
	return append([]*tensor.RawTensor(nil), l.weights...)
}

// SetWeights replaces all parameter tensors of the layer at once.
//
// The new list must have as many tensors as the layer has, with matching
// shapes. On error the layer is left unchanged.
func (l *Layer) SetWeights(weights []*tensor.RawTensor) error {
	if len(weights) != len(l.weights) {
		return fmt.Errorf("%w: layer %q expects %d weights, got %d",
			ErrWeightMismatch, l.name, len(l.weights), len(weights))
	}
	for i, w := range weights {
		if w == nil {
			return fmt.Errorf("%w: layer %q weight %q is nil", ErrWeightMismatch, l.name, l.weightNames[i])
		}
		if !w.Shape().Equal(l.weights[i].Shape()) {
			return fmt.Errorf("%w: layer %q weight %q has shape %s, got %s",
				ErrWeightMismatch, l.name, l.weightNames[i], l.weights[i].Shape(), w.Shape())
		}
	}
	l.weights = append([]*tensor.RawTensor(nil), weights...)
	return nil
}

// NumParameters returns the number of scalar parameters owned by the layer.
func (l *Layer) NumParameters() int {
	n := 0
	for _, w := range l.weights {
		n += w.NumElements()
	}
	return n
}

// ByteSize returns the memory used by the layer's tensors.
func (l *Layer) ByteSize() int {
	n := 0
	for _, w := range l.weights {
		n += w.ByteSize()
	}
	return n
}
