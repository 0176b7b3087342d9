package model

import (
	"encoding/json"
	"fmt"
	"maps"

	"k8s.io/klog/v2"

	"github.com/born-ml/f32ckpt/internal/serialization"
)

// Save writes the model to path: SafeTensors for a ".safetensors" extension,
// .born for anything else. HDF5 is read-only.
func (m *Model) Save(path string) error {
	format := FormatForPath(path)
	var err error
	switch format {
	case FormatSafeTensors:
		err = m.saveSafeTensors(path)
	case FormatHDF5:
		return fmt.Errorf("%w: writing %s files is not supported", ErrUnsupportedFormat, format)
	default:
		format = FormatBorn
		err = m.saveBorn(path)
	}
	if err != nil {
		return fmt.Errorf("failed to save %s model to %s: %w", format, path, err)
	}
	klog.V(1).Infof("saved %s model %q to %s: %d layers", format, m.modelType, path, len(m.layers))
	return nil
}

func (m *Model) saveBorn(path string) error {
	header := serialization.Header{
		ModelType: m.modelType,
		Layers:    m.layerMetas(),
		Metadata:  maps.Clone(m.metadata),
		Training:  m.Training(),
	}
	if len(m.optimizer) > 0 {
		meta := serialization.CheckpointMeta{IsCheckpoint: true}
		if m.checkpoint != nil {
			meta = *m.checkpoint
			meta.IsCheckpoint = true
		}
		header.CheckpointMeta = &meta
	}
	return serialization.WriteFile(path, m.namedTensors(), header)
}

func (m *Model) saveSafeTensors(path string) error {
	metadata := maps.Clone(m.metadata)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	layersJSON, err := json.Marshal(m.layerMetas())
	if err != nil {
		return fmt.Errorf("failed to marshal layers: %w", err)
	}
	metadata[MetadataLayers] = string(layersJSON)
	if m.modelType != "" {
		metadata[MetadataModelType] = m.modelType
	}
	if m.training != nil {
		trainingJSON, err := json.Marshal(m.training)
		if err != nil {
			return fmt.Errorf("failed to marshal training config: %w", err)
		}
		metadata[MetadataTraining] = string(trainingJSON)
	}
	return serialization.WriteSafeTensors(path, m.namedTensors(), metadata)
}
