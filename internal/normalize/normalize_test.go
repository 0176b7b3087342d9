package normalize

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/f32ckpt/internal/hdf5"
	"github.com/born-ml/f32ckpt/internal/model"
	"github.com/born-ml/f32ckpt/internal/model/modeltest"
	"github.com/born-ml/f32ckpt/internal/serialization"
	"github.com/born-ml/f32ckpt/internal/tensor"
)

func testConfig(input, output string) Config {
	cfg := DefaultConfig()
	cfg.InputPath = input
	cfg.OutputPath = output
	cfg.Out = nil
	cfg.ProgressWriter = nil
	return cfg
}

func saveModel(t *testing.T, m *model.Model, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, m.Save(path))
	return path
}

func mixedModel(t *testing.T) *model.Model {
	t.Helper()
	return must.M1(model.New("Sequential",
		must.M1(model.NewLayer("input_layer", "InputLayer", nil, nil)),
		modeltest.Dense(t, "dense", 5, 4, tensor.Float16, 0),
		modeltest.Dropout("dropout"),
		modeltest.Dense(t, "dense_1", 4, 3, tensor.BFloat16, 1),
		modeltest.Dense(t, "dense_2", 3, 2, tensor.Int32, 2),
		modeltest.Dense(t, "dense_3", 2, 2, tensor.Float32, 3),
	))
}

func assertAllFloat32(t *testing.T, m *model.Model) {
	t.Helper()
	for _, l := range m.Layers() {
		for i, w := range l.Weights() {
			assert.Equal(t, tensor.Float32, w.DType(), "%s", l.WeightNames()[i])
		}
	}
}

func TestRunDenseFloat64(t *testing.T) {
	original := modeltest.Sequential(t, tensor.Float64, 784, 64, 32)
	input := saveModel(t, original, "model.born")
	inputBytes := must.M1(os.ReadFile(input))
	output := filepath.Join(t.TempDir(), "model_float32.born")

	n := New(testConfig(input, output))
	assert.Equal(t, NotStarted, n.State())
	result, err := n.Run()
	require.NoError(t, err)
	assert.Equal(t, Verified, n.State())

	assert.Equal(t, output, result.OutputPath)
	assert.Equal(t, 2, result.Layers)
	assert.Equal(t, 4, result.CastTensors)
	assert.Equal(t, 784*64+64+64*32+32, result.Parameters)
	assert.Equal(t, map[tensor.DataType]int{tensor.Float64: 4}, result.SourceDTypes)
	assert.Contains(t, result.Summary, "dense_1")
	assert.Contains(t, result.Summary, "float64")

	reloaded, err := model.Load(output, model.LoadOptions{SkipOptimizer: true})
	require.NoError(t, err)
	assertAllFloat32(t, reloaded)

	layers := reloaded.Layers()
	require.Len(t, layers, 2)
	assert.Equal(t, tensor.Shape{784, 64}, layers[0].Weights()[0].Shape())
	assert.Equal(t, tensor.Shape{64}, layers[0].Weights()[1].Shape())
	assert.Equal(t, tensor.Shape{64, 32}, layers[1].Weights()[0].Shape())
	assert.Equal(t, tensor.Shape{32}, layers[1].Weights()[1].Shape())

	// Values are the nearest float32.
	for li, l := range original.Layers() {
		for wi, w := range l.Weights() {
			got := layers[li].Weights()[wi].AsFloat32()
			for i, v := range w.AsFloat64() {
				require.Equal(t, float32(v), got[i])
			}
		}
	}

	training := reloaded.Training()
	require.NotNil(t, training)
	assert.Equal(t, "adam", training.Optimizer)
	assert.Equal(t, "categorical_crossentropy", training.Loss)
	assert.Equal(t, []string{"accuracy"}, training.Metrics)
	assert.Equal(t, n.RunID(), reloaded.Metadata()[MetadataRunID])
	assert.Equal(t, input, reloaded.Metadata()[MetadataSource])

	assert.Equal(t, inputBytes, must.M1(os.ReadFile(input)))
}

func TestRunMixedDTypes(t *testing.T) {
	original := mixedModel(t)
	input := saveModel(t, original, "mixed.born")
	output := filepath.Join(t.TempDir(), "mixed_float32.safetensors")

	result, err := New(testConfig(input, output)).Run()
	require.NoError(t, err)
	assert.Equal(t, 6, result.Layers)
	assert.Equal(t, 8, result.CastTensors)
	assert.Equal(t, map[tensor.DataType]int{
		tensor.Float16:  2,
		tensor.BFloat16: 2,
		tensor.Int32:    2,
		tensor.Float32:  2,
	}, result.SourceDTypes)

	reloaded, err := model.Load(output, model.LoadOptions{})
	require.NoError(t, err)
	assertAllFloat32(t, reloaded)

	want, got := original.Layers(), reloaded.Layers()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name(), got[i].Name())
		assert.Equal(t, want[i].Kind(), got[i].Kind())
		require.Len(t, got[i].Weights(), len(want[i].Weights()))
		for j, w := range want[i].Weights() {
			assert.Equal(t, w.Shape(), got[i].Weights()[j].Shape())
			assert.Equal(t, must.M1(tensor.CastToFloat32(w)).Data(), got[i].Weights()[j].Data())
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	input := saveModel(t, mixedModel(t), "model.born")
	dir := t.TempDir()
	first := filepath.Join(dir, "first.born")
	second := filepath.Join(dir, "second.born")

	_, err := New(testConfig(input, first)).Run()
	require.NoError(t, err)
	result, err := New(testConfig(first, second)).Run()
	require.NoError(t, err)
	assert.Equal(t, map[tensor.DataType]int{tensor.Float32: 8}, result.SourceDTypes)

	a := must.M1(model.Load(first, model.LoadOptions{}))
	b := must.M1(model.Load(second, model.LoadOptions{}))
	la, lb := a.Layers(), b.Layers()
	require.Len(t, lb, len(la))
	for i := range la {
		assert.Equal(t, la[i].WeightNames(), lb[i].WeightNames())
		for j, w := range la[i].Weights() {
			assert.Equal(t, w.Data(), lb[i].Weights()[j].Data())
		}
	}
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "model_float32.born")
	n := New(testConfig(filepath.Join(dir, "does_not_exist.born"), output))
	_, err := n.Run()

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, LoadError, stageErr.Stage)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, Failed, n.State())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunKerasLayerKinds(t *testing.T) {
	original := modeltest.KerasZoo(t, tensor.Float64)
	input := saveModel(t, original, "model.born")
	output := filepath.Join(t.TempDir(), "model_float32.born")

	result, err := New(testConfig(input, output)).Run()
	require.NoError(t, err)
	assert.Equal(t, len(original.Layers()), result.Layers)
	assert.Equal(t, original.NumParameters(), result.Parameters)

	reloaded, err := model.Load(output, model.LoadOptions{SkipOptimizer: true})
	require.NoError(t, err)
	assertAllFloat32(t, reloaded)
	for _, l := range original.Layers() {
		got := reloaded.Layer(l.Name())
		require.NotNil(t, got, l.Name())
		assert.Equal(t, l.Kind(), got.Kind())
		assert.Equal(t, l.WeightNames(), got.WeightNames())
	}
	bidi := reloaded.Layer("bidirectional").Weights()
	assert.Equal(t, float32(modeltest.Value(6, 1)), bidi[0].AsFloat32()[1])
}

func TestRunKerasHDF5(t *testing.T) {
	if !hdf5.Available() {
		t.Skipf("%q not found in PATH, skipping Keras HDF5 test", hdf5.H5DumpBinary)
	}
	input := filepath.Join("..", "hdf5", "testdata", "keras_dense.h5")
	output := filepath.Join(t.TempDir(), "model_float32.born")

	result, err := New(testConfig(input, output)).Run()
	require.NoError(t, err)
	assert.Equal(t, 3, result.Layers)
	assert.Equal(t, 4, result.CastTensors)
	assert.Equal(t, 4*3+3+3*2+2, result.Parameters)
	assert.Equal(t, map[tensor.DataType]int{tensor.Float64: 4}, result.SourceDTypes)

	reloaded, err := model.Load(output, model.LoadOptions{SkipOptimizer: true})
	require.NoError(t, err)
	assertAllFloat32(t, reloaded)
	assert.Equal(t, "Sequential", reloaded.ModelType())
	var kinds []string
	for _, l := range reloaded.Layers() {
		kinds = append(kinds, l.Name()+":"+l.Kind())
	}
	assert.Equal(t, []string{"dense:Dense", "dropout:Dropout", "dense_1:Dense"}, kinds)

	kernel := reloaded.Layer("dense_1").Weights()[0]
	assert.Equal(t, tensor.Shape{3, 2}, kernel.Shape())
	for i, v := range kernel.AsFloat32() {
		assert.InDelta(t, modeltest.Value(2, i), float64(v), 1e-6)
	}
}

func TestRunUnsupportedLayer(t *testing.T) {
	input := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, serialization.WriteFile(input,
		[]serialization.NamedTensor{{Name: "lambda.w", Tensor: modeltest.Tensor(t, 0, tensor.Shape{2}, tensor.Float64)}},
		serialization.Header{Layers: []serialization.LayerMeta{{Name: "lambda", Kind: "keras.layers/Lambda", Weights: []string{"lambda.w"}}}}))

	_, err := New(testConfig(input, filepath.Join(t.TempDir(), "out.born"))).Run()
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, LoadError, stageErr.Stage)
	assert.ErrorIs(t, err, model.ErrUnsupportedLayer)
}

func TestRunUnwritableOutput(t *testing.T) {
	input := saveModel(t, modeltest.Sequential(t, tensor.Float64, 3, 2), "model.born")
	inputBytes := must.M1(os.ReadFile(input))
	output := filepath.Join(t.TempDir(), "missing", "dir", "model_float32.born")

	n := New(testConfig(input, output))
	_, err := n.Run()
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, SaveError, stageErr.Stage)
	assert.Equal(t, Failed, n.State())
	assert.Equal(t, inputBytes, must.M1(os.ReadFile(input)))
}

func TestRunOutputIsInput(t *testing.T) {
	input := saveModel(t, modeltest.Sequential(t, tensor.Float64, 3, 2), "model.born")
	inputBytes := must.M1(os.ReadFile(input))

	for _, output := range []string{input, filepath.Join(filepath.Dir(input), ".", "model.born")} {
		_, err := New(testConfig(input, output)).Run()
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, SaveError, stageErr.Stage)
	}
	assert.Equal(t, inputBytes, must.M1(os.ReadFile(input)))
}

func TestRunCompileOptions(t *testing.T) {
	input := saveModel(t, modeltest.Sequential(t, tensor.Float64, 3, 2), "model.born")

	t.Run("disabled", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "out.born")
		cfg := testConfig(input, output)
		cfg.Compile = false
		_, err := New(cfg).Run()
		require.NoError(t, err)
		assert.Nil(t, must.M1(model.Load(output, model.LoadOptions{})).Training())
	})

	t.Run("invalid", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "out.born")
		cfg := testConfig(input, output)
		cfg.Training.Loss = ""
		n := New(cfg)
		_, err := n.Run()
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, FrameworkError, stageErr.Stage)
		assert.ErrorIs(t, err, model.ErrInvalidTraining)
		_, statErr := os.Stat(output)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestRunOnce(t *testing.T) {
	input := saveModel(t, modeltest.Sequential(t, tensor.Float32, 3, 2), "model.born")
	n := New(testConfig(input, filepath.Join(t.TempDir(), "out.born")))
	_, err := n.Run()
	require.NoError(t, err)
	_, err = n.Run()
	assert.Error(t, err)
	assert.Equal(t, Verified, n.State())
}

func TestRunOutputAndProgress(t *testing.T) {
	input := saveModel(t, mixedModel(t), "model.born")
	var out, progress bytes.Buffer
	cfg := testConfig(input, filepath.Join(t.TempDir(), "out.born"))
	cfg.Out = &out
	cfg.Progress = true
	cfg.ProgressWriter = &progress

	_, err := New(cfg).Run()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Loading model from "+input)
	assert.Contains(t, out.String(), "Cast 8 tensors to float32")
	assert.Contains(t, out.String(), "Verified")
	assert.NotEmpty(t, progress.String())
}

func TestVerifyRejectsNonFloat32(t *testing.T) {
	original := modeltest.Sequential(t, tensor.Float64, 3, 2)
	output := saveModel(t, original, "float64.born")

	n := New(testConfig("unused.born", output))
	n.model = original
	err := n.verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float64")

	other := saveModel(t, modeltest.Sequential(t, tensor.Float32, 3, 2, 2), "three.born")
	n = New(testConfig("unused.born", other))
	n.model = modeltest.Sequential(t, tensor.Float32, 3, 2)
	assert.Error(t, n.verify())
}

func TestStageErrorString(t *testing.T) {
	err := &StageError{Stage: SaveError, Err: errors.New("disk full")}
	assert.Equal(t, "SaveError: disk full", err.Error())
	assert.Equal(t, "Stage(9)", Stage(9).String())
	assert.Equal(t, "WeightsNormalized", WeightsNormalized.String())
}
