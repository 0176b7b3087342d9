package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"k8s.io/klog/v2"

	"github.com/born-ml/f32ckpt/internal/hdf5"
	"github.com/born-ml/f32ckpt/internal/serialization"
	"github.com/born-ml/f32ckpt/internal/tensor"
)

// Keys of SafeTensors metadata holding what a .born header stores natively.
const (
	MetadataLayers    = "layers"
	MetadataModelType = "model_type"
	MetadataTraining  = "training"
)

// LoadOptions configure Load.
type LoadOptions struct {
	// SkipOptimizer drops optimizer state (tensors prefixed with "optimizer.",
	// Keras /optimizer_weights) without reading it.
	SkipOptimizer bool

	// SkipChecksumValidation disables the .born v2 checksum verification.
	SkipChecksumValidation bool
}

// tensorSource is implemented by the .born and SafeTensors readers.
type tensorSource interface {
	TensorNames() []string
	LoadTensor(name string) (*tensor.RawTensor, error)
}

// Load reads a model from a .born, .safetensors or Keras HDF5 file.
//
// The format is taken from the file extension, or from the file's first bytes
// when the extension is not a known one.
func Load(path string, opts LoadOptions) (*Model, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	var m *Model
	switch format {
	case FormatBorn:
		m, err = loadBorn(path, opts)
	case FormatSafeTensors:
		m, err = loadSafeTensors(path, opts)
	case FormatHDF5:
		m, err = loadHDF5(path, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s model from %s: %w", format, path, err)
	}
	m.source = path
	m.format = format
	klog.V(1).Infof("loaded %s model %q from %s: %d layers, %d parameters",
		format, m.modelType, path, len(m.layers), m.NumParameters())
	return m, nil
}

func loadBorn(path string, opts LoadOptions) (m *Model, err error) {
	reader, err := serialization.NewBornReaderWithOptions(path, serialization.ReaderOptions{
		SkipChecksumValidation: opts.SkipChecksumValidation,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	header := reader.Header()
	params, optimizer, err := readTensors(reader, opts.SkipOptimizer)
	if err != nil {
		return nil, err
	}
	m, err = assemble(header.ModelType, header.Layers, params)
	if err != nil {
		return nil, err
	}
	if header.Metadata != nil {
		m.metadata = maps.Clone(header.Metadata)
	}
	m.training = header.Training
	if !opts.SkipOptimizer {
		m.optimizer = optimizer
		m.checkpoint = header.CheckpointMeta
	}
	return m, nil
}

func loadSafeTensors(path string, opts LoadOptions) (m *Model, err error) {
	reader, err := serialization.NewSafeTensorsReader(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	metadata := reader.Metadata()
	var layers []serialization.LayerMeta
	if raw, ok := metadata[MetadataLayers]; ok {
		if err := json.Unmarshal([]byte(raw), &layers); err != nil {
			return nil, fmt.Errorf("invalid %q metadata: %w", MetadataLayers, err)
		}
	}
	var training *TrainingConfig
	if raw, ok := metadata[MetadataTraining]; ok {
		training = &TrainingConfig{}
		if err := json.Unmarshal([]byte(raw), training); err != nil {
			return nil, fmt.Errorf("invalid %q metadata: %w", MetadataTraining, err)
		}
	}

	params, optimizer, err := readTensors(reader, opts.SkipOptimizer)
	if err != nil {
		return nil, err
	}
	m, err = assemble(metadata[MetadataModelType], layers, params)
	if err != nil {
		return nil, err
	}
	for k, v := range metadata {
		switch k {
		case MetadataLayers, MetadataModelType, MetadataTraining:
		default:
			m.metadata[k] = v
		}
	}
	m.training = training
	if !opts.SkipOptimizer {
		m.optimizer = optimizer
	}
	return m, nil
}

func loadHDF5(path string, opts LoadOptions) (*Model, error) {
	keras, err := hdf5.ReadKeras(path)
	if err != nil {
		return nil, err
	}
	return fromKeras(keras, path, opts)
}

// fromKeras extracts the weights of a parsed Keras file.
func fromKeras(keras *hdf5.KerasModel, path string, opts LoadOptions) (*Model, error) {
	layers := make([]*Layer, 0, len(keras.Layers))
	for _, kl := range keras.Layers {
		names := make([]string, len(kl.Weights))
		weights := make([]*tensor.RawTensor, len(kl.Weights))
		for i, w := range kl.Weights {
			raw, err := w.Dataset.Load()
			if errors.Is(err, hdf5.ErrUnsupportedDataset) {
				return nil, fmt.Errorf("%w: layer %q (%s) weight %q: %w", ErrUnsupportedLayer, kl.Name, kl.Kind, w.Name, err)
			}
			if err != nil {
				return nil, fmt.Errorf("layer %q weight %q: %w", kl.Name, w.Name, err)
			}
			names[i] = w.Name
			weights[i] = raw
		}
		layer, err := NewLayer(kl.Name, kl.Kind, names, weights)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	m, err := New(keras.ModelType, layers...)
	if err != nil {
		return nil, err
	}
	if opts.SkipOptimizer {
		if len(keras.OptimizerWeights) > 0 {
			klog.V(1).Infof("skipping %d optimizer weights of %s", len(keras.OptimizerWeights), path)
		}
		return m, nil
	}
	for _, w := range keras.OptimizerWeights {
		raw, err := w.Dataset.Load()
		if err != nil {
			return nil, fmt.Errorf("optimizer weight %q: %w", w.Name, err)
		}
		m.optimizer = append(m.optimizer, serialization.NamedTensor{Name: w.Name, Tensor: raw})
	}
	return m, nil
}

// readTensors loads all tensors of src, in src order, split into parameters
// and optimizer state. With skipOptimizer, optimizer tensors are not read.
func readTensors(src tensorSource, skipOptimizer bool) (params, optimizer []serialization.NamedTensor, err error) {
	for _, name := range src.TensorNames() {
		isOptimizer := strings.HasPrefix(name, serialization.OptimizerPrefix)
		if isOptimizer && skipOptimizer {
			klog.V(2).Infof("skipping optimizer tensor %q", name)
			continue
		}
		raw, err := src.LoadTensor(name)
		if err != nil {
			return nil, nil, err
		}
		klog.V(2).Infof("read tensor %q: %s %s", name, raw.DType(), raw.Shape())
		nt := serialization.NamedTensor{Name: name, Tensor: raw}
		if isOptimizer {
			optimizer = append(optimizer, nt)
		} else {
			params = append(params, nt)
		}
	}
	return params, optimizer, nil
}

// assemble builds a model from a layer topology and parameter tensors.
// Without topology, layers are derived from tensor names: "dense.kernel"
// belongs to layer "dense".
func assemble(modelType string, metas []serialization.LayerMeta, params []serialization.NamedTensor) (*Model, error) {
	byName := make(map[string]*tensor.RawTensor, len(params))
	for _, nt := range params {
		byName[nt.Name] = nt.Tensor
	}
	if len(metas) == 0 {
		metas = deriveLayers(params)
	}

	used := make(map[string]bool, len(params))
	layers := make([]*Layer, 0, len(metas))
	for _, meta := range metas {
		weights := make([]*tensor.RawTensor, len(meta.Weights))
		for i, name := range meta.Weights {
			raw, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("layer %q: %w: %q", meta.Name, serialization.ErrTensorNotFound, name)
			}
			weights[i] = raw
			used[name] = true
		}
		layer, err := NewLayer(meta.Name, meta.Kind, meta.Weights, weights)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	for _, nt := range params {
		if !used[nt.Name] {
			return nil, fmt.Errorf("tensor %q is not owned by any layer", nt.Name)
		}
	}
	return New(modelType, layers...)
}

func deriveLayers(params []serialization.NamedTensor) []serialization.LayerMeta {
	var metas []serialization.LayerMeta
	index := make(map[string]int)
	for _, nt := range params {
		name := nt.Name
		if i := strings.LastIndex(name, "."); i > 0 {
			name = name[:i]
		}
		i, ok := index[name]
		if !ok {
			i = len(metas)
			index[name] = i
			metas = append(metas, serialization.LayerMeta{Name: name})
		}
		metas[i].Weights = append(metas[i].Weights, nt.Name)
	}
	return metas
}
