package normalize

import (
	"io"
	"os"

	"github.com/born-ml/f32ckpt/internal/model"
)

// Config of a Normalizer.
type Config struct {
	// InputPath is the checkpoint to normalize.
	InputPath string

	// OutputPath receives the float32 checkpoint. Its extension selects the
	// format (".safetensors", otherwise .born).
	OutputPath string

	// Compile attaches Training to the model before saving.
	Compile  bool
	Training model.TrainingConfig

	// Progress shows a progress bar on ProgressWriter while casting.
	Progress       bool
	ProgressWriter io.Writer

	// Out receives one line per completed step. Nil discards them.
	Out io.Writer
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	return Config{
		InputPath:  "/models/model.born",
		OutputPath: "model_float32.born",
		Compile:    true,
		Training: model.TrainingConfig{
			Optimizer: "adam",
			Loss:      "categorical_crossentropy",
			Metrics:   []string{"accuracy"},
		},
		ProgressWriter: os.Stderr,
		Out:            os.Stdout,
	}
}
