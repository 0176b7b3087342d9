package hdf5

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/f32ckpt/internal/tensor"
)

const contentsOutput = `HDF5 "model.h5" {
FILE_CONTENTS {
 group      /
 group      /model_weights
 group      /model_weights/dense
 group      /model_weights/dense/dense
 dataset    /model_weights/dense/dense/bias:0
 dataset    /model_weights/dense/dense/kernel:0
 group      /model_weights/dropout
 group      /optimizer_weights
 group      /optimizer_weights/Adam
 dataset    /optimizer_weights/Adam/iter:0
 }
}
`

const headerOutput = `HDF5 "model.h5" {
DATASET "/model_weights/dense/dense/bias:0" {
   DATATYPE  H5T_IEEE_F64LE
   DATASPACE  SIMPLE { ( 64 ) / ( 64 ) }
}
DATASET "/model_weights/dense/dense/kernel:0" {
   DATATYPE  H5T_IEEE_F16LE
   DATASPACE  SIMPLE { ( 784, 64 ) / ( 784, 64 ) }
}
DATASET "/optimizer_weights/Adam/iter:0" {
   DATATYPE  H5T_STD_I64LE
   DATASPACE  SCALAR
}
}
`

func parsedContents(t *testing.T) Contents {
	t.Helper()
	paths := parseDatasetPaths([]byte(contentsOutput))
	require.Equal(t, []string{
		"/model_weights/dense/dense/bias:0",
		"/model_weights/dense/dense/kernel:0",
		"/optimizer_weights/Adam/iter:0",
	}, paths)
	contents := make(Contents)
	for _, p := range paths {
		contents[p] = &Dataset{FilePath: "model.h5", GroupPath: p}
	}
	require.NoError(t, contents.parseHeaders([]byte(headerOutput)))
	return contents
}

func TestParseHeaders(t *testing.T) {
	contents := parsedContents(t)

	bias := contents["/model_weights/dense/dense/bias:0"]
	assert.True(t, bias.Supported)
	assert.Equal(t, tensor.Float64, bias.DType)
	assert.Equal(t, tensor.Shape{64}, bias.Shape)

	kernel := contents["/model_weights/dense/dense/kernel:0"]
	assert.Equal(t, tensor.Float16, kernel.DType)
	assert.Equal(t, tensor.Shape{784, 64}, kernel.Shape)

	iter := contents["/optimizer_weights/Adam/iter:0"]
	assert.True(t, iter.Supported)
	assert.Equal(t, tensor.Int64, iter.DType)
	assert.Equal(t, tensor.Shape{}, iter.Shape)
}

func TestParseHeadersMismatch(t *testing.T) {
	contents := Contents{"/a": {GroupPath: "/a"}, "/b": {GroupPath: "/b"}}
	err := contents.parseHeaders([]byte(`HDF5 "x" {
DATASET "/a" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  SIMPLE { ( 2 ) / ( 2 ) }
}
}`))
	assert.Error(t, err)
}

func TestParseHeadersUnsupportedType(t *testing.T) {
	contents := Contents{"/s": {GroupPath: "/s"}}
	require.NoError(t, contents.parseHeaders([]byte(`HDF5 "x" {
DATASET "/s" {
   DATATYPE  H5T_STRING {
      STRSIZE H5T_VARIABLE;
   }
   DATASPACE  SCALAR
}
}`)))
	assert.False(t, contents["/s"].Supported)
	_, err := contents["/s"].Load()
	assert.ErrorIs(t, err, ErrUnsupportedDataset)
}

func TestDTypeForH5T(t *testing.T) {
	dt, ok := DTypeForH5T("H5T_IEEE_F32BE")
	assert.True(t, ok)
	assert.Equal(t, tensor.Float32, dt)
	_, ok = DTypeForH5T("H5T_STD_B8LE")
	assert.False(t, ok)
}

func TestParseAttributeStrings(t *testing.T) {
	layerNames := `HDF5 "model.h5" {
ATTRIBUTE "layer_names" {
   DATATYPE  H5T_STRING {
      STRSIZE 7;
      STRPAD H5T_STR_NULLPAD;
      CSET H5T_CSET_ASCII;
      CTYPE H5T_C_S1;
   }
   DATASPACE  SIMPLE { ( 3 ) / ( 3 ) }
   DATA {
   (0): "dense", "dropout", "dense_1"
   }
}
}
`
	values, err := parseAttributeStrings([]byte(layerNames))
	require.NoError(t, err)
	assert.Equal(t, []string{"dense", "dropout", "dense_1"}, values)

	// A long JSON string wrapped over several segments, with escaped quotes and commas.
	modelConfig := `HDF5 "model.h5" {
ATTRIBUTE "model_config" {
   DATATYPE  H5T_STRING {
      STRSIZE H5T_VARIABLE;
   }
   DATASPACE  SCALAR
   DATA {
   (0): "{\"class_name\": \"Sequential\", \"config\": {\"name\": \"seq\", ",
        "\"layers\": [{\"class_name\": \"Dense\", \"config\": {\"name\": \"dense\"}}]}}"
   }
}
}
`
	values, err = parseAttributeStrings([]byte(modelConfig))
	require.NoError(t, err)
	require.Len(t, values, 2, "segments separated by a comma are distinct values")

	joined := `HDF5 "model.h5" {
ATTRIBUTE "model_config" {
   DATA {
   (0): "{\"class_name\": \"Sequential\", \"config\": {\"name\": \"seq\", "
        "\"layers\": [{\"class_name\": \"Dense\", \"config\": {\"name\": \"dense\"}}]}}"
   }
}
}
`
	values, err = parseAttributeStrings([]byte(joined))
	require.NoError(t, err)
	require.Len(t, values, 1)
	cfg, err := parseKerasConfig(values[0])
	require.NoError(t, err)
	assert.Equal(t, "Sequential", cfg.ClassName)
	require.Len(t, cfg.Config.Layers, 1)
	assert.Equal(t, "Dense", cfg.Config.Layers[0].ClassName)
	assert.Equal(t, "dense", cfg.Config.Layers[0].Config.Name)

	_, err = parseAttributeStrings([]byte(`HDF5 "x" { }`))
	assert.Error(t, err)
}

func TestKerasWeightName(t *testing.T) {
	tests := []struct {
		path, layer, weight string
		optimizer           bool
	}{
		{"/model_weights/dense/dense/kernel:0", "dense", "kernel", false},
		{"/model_weights/lstm/lstm/lstm_cell/recurrent_kernel:0", "lstm", "lstm_cell.recurrent_kernel", false},
		{"/layers/dense/vars/0", "dense", "vars.0", false},
		{"/optimizer_weights/Adam/iter:0", "", "Adam.iter", true},
		{"/weights", "root", "weights", false},
		{"/a/b/c", "a_b", "c", false},
	}
	for _, tt := range tests {
		layer, weight, opt := kerasWeightName(tt.path)
		assert.Equal(t, tt.layer, layer, tt.path)
		assert.Equal(t, tt.weight, weight, tt.path)
		assert.Equal(t, tt.optimizer, opt, tt.path)
	}
}

func TestGroupKerasWeights(t *testing.T) {
	contents := parsedContents(t)
	layers, optimizer, err := groupKerasWeights(contents,
		[]string{"dense_input", "dense", "dropout"},
		map[string]string{"dense_input": "InputLayer", "dense": "Dense", "dropout": "Dropout"})
	require.NoError(t, err)

	require.Len(t, layers, 3)
	assert.Equal(t, "dense_input", layers[0].Name)
	assert.Empty(t, layers[0].Weights)
	assert.Equal(t, "Dense", layers[1].Kind)
	require.Len(t, layers[1].Weights, 2)
	assert.Equal(t, "dense.bias", layers[1].Weights[0].Name)
	assert.Equal(t, "Dropout", layers[2].Kind)

	require.Len(t, optimizer, 1)
	assert.Equal(t, "optimizer.Adam.iter", optimizer[0].Name)

	orderWeights(layers[1], []string{"dense/kernel:0", "dense/bias:0"})
	assert.Equal(t, "dense.kernel", layers[1].Weights[0].Name)
	assert.Equal(t, "dense.bias", layers[1].Weights[1].Name)
}

func TestParseFileErrors(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "missing.h5"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	notHDF5 := filepath.Join(t.TempDir(), "model.h5")
	require.NoError(t, os.WriteFile(notHDF5, []byte("not an hdf5 file"), 0o644))
	_, err = ParseFile(notHDF5)
	require.Error(t, err)
	if !Available() {
		assert.ErrorIs(t, err, ErrNoH5Dump)
	}
}
