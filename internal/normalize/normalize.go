// Package normalize converts a checkpoint to an all-float32 checkpoint.
//
// A Normalizer runs five steps, each one advancing its State:
//
//	NotStarted → Loaded → Recompiled → WeightsNormalized → Saved → Verified
//
// Any failure moves it to Failed and is returned as a *StageError.
package normalize

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/f32ckpt/internal/model"
	"github.com/born-ml/f32ckpt/internal/tensor"
)

// Metadata keys stamped on the output model.
const (
	MetadataRunID     = "normalize.run_id"
	MetadataSource    = "normalize.source"
	MetadataCreatedAt = "normalize.created_at"
)

// State of a Normalizer.
type State int

const (
	NotStarted State = iota
	Loaded
	Recompiled
	WeightsNormalized
	Saved
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Loaded:
		return "Loaded"
	case Recompiled:
		return "Recompiled"
	case WeightsNormalized:
		return "WeightsNormalized"
	case Saved:
		return "Saved"
	case Verified:
		return "Verified"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result of a successful run.
type Result struct {
	RunID      string
	InputPath  string
	OutputPath string

	// Summary is the layer table of the model as loaded, before the cast.
	Summary string

	Layers      int
	CastTensors int
	Parameters  int

	// SourceDTypes counts the input tensors per data type.
	SourceDTypes map[tensor.DataType]int

	Duration time.Duration
}

// Normalizer runs the conversion once.
type Normalizer struct {
	cfg   Config
	state State
	runID string
	out   io.Writer

	model  *model.Model
	result *Result
}

// New creates a Normalizer for cfg.
func New(cfg Config) *Normalizer {
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	return &Normalizer{
		cfg:   cfg,
		runID: uuid.NewString(),
		out:   out,
	}
}

// State returns the current state.
func (n *Normalizer) State() State { return n.state }

// RunID identifies this run. It is stored in the output metadata.
func (n *Normalizer) RunID() string { return n.runID }

// Run executes all steps. It can only be called once.
func (n *Normalizer) Run() (*Result, error) {
	if n.state != NotStarted {
		return nil, errors.Errorf("normalizer already ran, state is %s", n.state)
	}
	start := time.Now()
	n.result = &Result{
		RunID:      n.runID,
		InputPath:  n.cfg.InputPath,
		OutputPath: n.cfg.OutputPath,
	}
	steps := []struct {
		run   func() error
		stage Stage
		next  State
	}{
		{n.load, LoadError, Loaded},
		{n.recompile, FrameworkError, Recompiled},
		{n.normalizeWeights, FrameworkError, WeightsNormalized},
		{n.save, SaveError, Saved},
		{n.verify, VerifyError, Verified},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			n.state = Failed
			klog.V(1).Infof("run %s failed at %s: %+v", n.runID, step.stage, err)
			return nil, &StageError{Stage: step.stage, Err: err}
		}
		n.state = step.next
		klog.V(1).Infof("run %s: %s", n.runID, n.state)
	}
	n.result.Duration = time.Since(start)
	return n.result, nil
}

func (n *Normalizer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(n.out, format, args...)
}

func (n *Normalizer) load() error {
	n.printf("Loading model from %s\n", n.cfg.InputPath)
	m, err := model.Load(n.cfg.InputPath, model.LoadOptions{SkipOptimizer: true})
	if err != nil {
		return errors.WithMessagef(err, "loading %q", n.cfg.InputPath)
	}
	n.model = m
	n.result.Summary = m.Summary()
	n.result.Layers = len(m.Layers())
	n.result.Parameters = m.NumParameters()
	n.result.SourceDTypes = m.DTypes()
	n.printf("%s", n.result.Summary)
	return nil
}

func (n *Normalizer) recompile() error {
	if !n.cfg.Compile {
		klog.V(1).Infof("skipping compile")
		return nil
	}
	if err := n.model.Compile(n.cfg.Training); err != nil {
		return errors.WithMessagef(err, "compiling with optimizer=%q loss=%q",
			n.cfg.Training.Optimizer, n.cfg.Training.Loss)
	}
	n.printf("Compiled with optimizer=%s loss=%s\n", n.cfg.Training.Optimizer, n.cfg.Training.Loss)
	return nil
}

func (n *Normalizer) newProgressBar(total int) *progressbar.ProgressBar {
	if !n.cfg.Progress || total == 0 {
		return nil
	}
	w := n.cfg.ProgressWriter
	if w == nil {
		w = os.Stderr
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Casting to float32"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("layers"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())
}

func (n *Normalizer) normalizeWeights() error {
	layers := n.model.Layers()
	bar := n.newProgressBar(len(layers))
	for _, layer := range layers {
		if bar != nil {
			_ = bar.Add(1)
		}
		if !layer.HasParameters() {
			klog.V(2).Infof("layer %q has no parameters", layer.Name())
			continue
		}
		weights := layer.Weights()
		cast := make([]*tensor.RawTensor, len(weights))
		names := layer.WeightNames()
		for i, w := range weights {
			c, err := tensor.CastToFloat32(w)
			if err != nil {
				return errors.WithMessagef(err, "casting %q of layer %q", names[i], layer.Name())
			}
			klog.V(2).Infof("cast %q: %s -> %s %s", names[i], w.DType(), c.DType(), c.Shape())
			cast[i] = c
		}
		if err := layer.SetWeights(cast); err != nil {
			return errors.WithMessagef(err, "setting weights of layer %q", layer.Name())
		}
		n.result.CastTensors += len(cast)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	n.printf("Cast %d tensors to float32\n", n.result.CastTensors)
	return nil
}

func (n *Normalizer) save() error {
	same, err := sameFile(n.cfg.InputPath, n.cfg.OutputPath)
	if err != nil {
		return err
	}
	if same {
		return errors.Errorf("output %q is the input file, refusing to overwrite it", n.cfg.OutputPath)
	}
	n.model.SetMetadata(MetadataRunID, n.runID)
	n.model.SetMetadata(MetadataSource, n.cfg.InputPath)
	n.model.SetMetadata(MetadataCreatedAt, time.Now().UTC().Format(time.RFC3339))
	if err := n.model.Save(n.cfg.OutputPath); err != nil {
		return errors.WithMessagef(err, "saving to %q", n.cfg.OutputPath)
	}
	n.printf("Saved float32 model to %s\n", n.cfg.OutputPath)
	return nil
}

// sameFile reports whether both paths name the same file.
func sameFile(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, errors.Wrapf(err, "resolving %q", a)
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, errors.Wrapf(err, "resolving %q", b)
	}
	if absA == absB {
		return true, nil
	}
	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(infoA, infoB), nil
}

func (n *Normalizer) verify() error {
	reloaded, err := model.Load(n.cfg.OutputPath, model.LoadOptions{SkipOptimizer: true})
	if err != nil {
		return errors.WithMessagef(err, "reloading %q", n.cfg.OutputPath)
	}
	want, got := n.model.Layers(), reloaded.Layers()
	if len(want) != len(got) {
		return errors.Errorf("reloaded model has %d layers, expected %d", len(got), len(want))
	}
	for i := range want {
		if want[i].Name() != got[i].Name() {
			return errors.Errorf("layer %d is %q after reload, expected %q", i, got[i].Name(), want[i].Name())
		}
	}
	if dtypes := reloaded.DTypes(); len(dtypes) > 0 && (len(dtypes) != 1 || dtypes[tensor.Float32] == 0) {
		var found []string
		for dt := range dtypes {
			found = append(found, dt.String())
		}
		slices.Sort(found)
		return errors.Errorf("reloaded model has non-float32 tensors: %v", found)
	}
	n.printf("Verified %s: %d layers, all float32\n", n.cfg.OutputPath, len(got))
	return nil
}
