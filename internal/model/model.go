// Package model is the in-memory handle of a checkpoint: an ordered list of
// layers owning parameter tensors, plus the model type, metadata and an
// optional training configuration.
//
// Models are read with Load from .born, .safetensors or Keras .h5 files and
// written with Save to .born or .safetensors.
package model

import (
	"fmt"
	"maps"

	"github.com/born-ml/f32ckpt/internal/serialization"
	"github.com/born-ml/f32ckpt/internal/tensor"
)

// TrainingConfig is the optimizer, loss and metrics a model is compiled with.
type TrainingConfig = serialization.TrainingConfig

// Model is an ordered collection of layers.
type Model struct {
	modelType string
	layers    []*Layer
	metadata  map[string]string
	training  *TrainingConfig

	// Optimizer state, only kept when loaded without LoadOptions.SkipOptimizer.
	optimizer  []serialization.NamedTensor
	checkpoint *serialization.CheckpointMeta

	source string
	format Format
}

// New creates a model from layers. Layer names and weight names must be unique.
func New(modelType string, layers ...*Layer) (*Model, error) {
	m := &Model{
		modelType: modelType,
		metadata:  make(map[string]string),
	}
	layerNames := make(map[string]bool, len(layers))
	weightNames := make(map[string]string)
	for _, l := range layers {
		if l == nil {
			return nil, fmt.Errorf("nil layer in model %q", modelType)
		}
		if layerNames[l.name] {
			return nil, fmt.Errorf("duplicate layer name %q", l.name)
		}
		layerNames[l.name] = true
		for _, w := range l.weightNames {
			if prev, ok := weightNames[w]; ok {
				return nil, fmt.Errorf("weight %q owned by layers %q and %q", w, prev, l.name)
			}
			weightNames[w] = l.name
		}
		m.layers = append(m.layers, l)
	}
	return m, nil
}

// ModelType returns the model class name ("Sequential", "Functional", ...).
func (m *Model) ModelType() string { return m.modelType }

// Layers returns the layers of the model, in order.
func (m *Model) Layers() []*Layer {
	return append([]*Layer(nil), m.layers...)
}

// Layer returns the layer with the given name, or nil.
func (m *Model) Layer(name string) *Layer {
	for _, l := range m.layers {
		if l.name == name {
			return l
		}
	}
	return nil
}

// Source returns the path the model was loaded from, empty for models built with New.
func (m *Model) Source() string { return m.source }

// SourceFormat returns the format of the file the model was loaded from.
func (m *Model) SourceFormat() Format { return m.format }

// Metadata returns a copy of the model's free-form metadata.
func (m *Model) Metadata() map[string]string {
	return maps.Clone(m.metadata)
}

// SetMetadata sets a metadata entry, saved along with the model.
func (m *Model) SetMetadata(key, value string) {
	if m.metadata == nil {
		m.metadata = make(map[string]string)
	}
	m.metadata[key] = value
}

// Training returns the training configuration, or nil if the model was never compiled.
func (m *Model) Training() *TrainingConfig {
	if m.training == nil {
		return nil
	}
	cfg := *m.training
	cfg.Metrics = append([]string(nil), m.training.Metrics...)
	return &cfg
}

// Compile attaches a training configuration to the model.
//
// Any optimizer state carried over from the loaded checkpoint is dropped, since
// it belongs to the previous optimizer.
func (m *Model) Compile(cfg TrainingConfig) error {
	if cfg.Optimizer == "" {
		return fmt.Errorf("%w: optimizer is empty", ErrInvalidTraining)
	}
	if cfg.Loss == "" {
		return fmt.Errorf("%w: loss is empty", ErrInvalidTraining)
	}
	for _, metric := range cfg.Metrics {
		if metric == "" {
			return fmt.Errorf("%w: empty metric name", ErrInvalidTraining)
		}
	}
	cfg.Metrics = append([]string(nil), cfg.Metrics...)
	m.training = &cfg
	m.optimizer = nil
	m.checkpoint = nil
	return nil
}

// HasOptimizerState reports whether the model carries optimizer state tensors.
func (m *Model) HasOptimizerState() bool { return len(m.optimizer) > 0 }

// NumParameters returns the number of scalar parameters in all layers.
func (m *Model) NumParameters() int {
	n := 0
	for _, l := range m.layers {
		n += l.NumParameters()
	}
	return n
}

// ByteSize returns the memory used by all layer tensors.
func (m *Model) ByteSize() int {
	n := 0
	for _, l := range m.layers {
		n += l.ByteSize()
	}
	return n
}

// DTypes returns the set of data types used by the layer tensors.
func (m *Model) DTypes() map[tensor.DataType]int {
	counts := make(map[tensor.DataType]int)
	for _, l := range m.layers {
		for _, w := range l.weights {
			counts[w.DType()]++
		}
	}
	return counts
}

// namedTensors returns the layer tensors in layer order, followed by optimizer state.
func (m *Model) namedTensors() []serialization.NamedTensor {
	var tensors []serialization.NamedTensor
	for _, l := range m.layers {
		for i, w := range l.weights {
			tensors = append(tensors, serialization.NamedTensor{Name: l.weightNames[i], Tensor: w})
		}
	}
	return append(tensors, m.optimizer...)
}

func (m *Model) layerMetas() []serialization.LayerMeta {
	metas := make([]serialization.LayerMeta, len(m.layers))
	for i, l := range m.layers {
		metas[i] = serialization.LayerMeta{
			Name:    l.name,
			Kind:    l.kind,
			Weights: l.WeightNames(),
		}
	}
	return metas
}
