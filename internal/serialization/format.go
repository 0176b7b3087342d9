package serialization

import (
	"time"

	"github.com/born-ml/f32ckpt/internal/tensor"
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersion     = 1    // v1: Basic format without checksum
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Align tensor data to 64 bytes
	FixedHeaderSizeV1 = 20   // magic + version + flags + header size
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// Flags for the .born format.
const (
	FlagCompressed   uint32 = 1 << 0 // bit 0: gzip compression (never written)
	FlagHasOptimizer uint32 = 1 << 1 // bit 1: optimizer state included
	FlagHasMetadata  uint32 = 1 << 2 // bit 2: custom metadata included
	FlagHasTraining  uint32 = 1 << 3 // bit 3: training configuration included
)

// OptimizerPrefix prefixes the names of optimizer state tensors in checkpoints.
const OptimizerPrefix = "optimizer."

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion  int               `json:"format_version"`       // Version of the .born format
	WriterVersion  string            `json:"born_version"`         // Version of the tool that created this file
	ModelType      string            `json:"model_type"`           // Type of model (e.g., "Sequential")
	CreatedAt      time.Time         `json:"created_at"`           // When the file was created
	Tensors        []TensorMeta      `json:"tensors"`              // Tensor metadata, in file order
	Layers         []LayerMeta       `json:"layers,omitempty"`     // Ordered layer topology
	Metadata       map[string]string `json:"metadata"`             // Custom metadata
	Training       *TrainingConfig   `json:"training,omitempty"`   // Training configuration (optional)
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"` // Checkpoint metadata (optional)
}

// LayerMeta describes one layer of the model and the tensors it owns.
type LayerMeta struct {
	Name    string   `json:"name"`              // Layer name (e.g., "dense_1")
	Kind    string   `json:"kind,omitempty"`    // Layer kind (e.g., "Dense"), empty if unknown
	Weights []string `json:"weights,omitempty"` // Tensor names owned by the layer, in order
}

// TrainingConfig is the optimizer/loss/metrics triple attached to a compiled model.
type TrainingConfig struct {
	Optimizer string   `json:"optimizer"`
	Loss      string   `json:"loss"`
	Metrics   []string `json:"metrics,omitempty"`
}

// CheckpointMeta contains training state information for checkpoints.
type CheckpointMeta struct {
	IsCheckpoint    bool           `json:"is_checkpoint"`    // Whether this is a checkpoint file
	Epoch           int            `json:"epoch"`            // Training epoch number
	Step            int64          `json:"step"`             // Training step number
	Loss            float64        `json:"loss"`             // Loss value at checkpoint
	OptimizerType   string         `json:"optimizer_type"`   // Optimizer type ("SGD", "Adam", etc.)
	OptimizerConfig map[string]any `json:"optimizer_config"` // Optimizer hyperparameters
	TrainingMeta    map[string]any `json:"training_meta"`    // Additional training metadata
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "dense_1.kernel")
	DType  string `json:"dtype"`  // Data type (e.g., "float32", "float64")
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Offset in the data section (bytes from start of tensor data)
	Size   int64  `json:"size"`   // Size in bytes
}

// NamedTensor pairs a tensor with its name. Writers keep the order of a []NamedTensor.
type NamedTensor struct {
	Name   string
	Tensor *tensor.RawTensor
}

// alignedDataOffset returns the offset of the tensor data section given the
// position right after the JSON header.
func alignedDataOffset(headerEnd int64) int64 {
	padding := (HeaderAlignment - (headerEnd % HeaderAlignment)) % HeaderAlignment
	return headerEnd + padding
}
