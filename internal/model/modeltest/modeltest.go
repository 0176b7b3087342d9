// Package modeltest builds small models for tests.
package modeltest

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/x448/float16"

	"github.com/born-ml/f32ckpt/internal/model"
	"github.com/born-ml/f32ckpt/internal/tensor"
)

// Value is the deterministic value stored at flat index i of the n-th tensor.
// Values have non-representable fractions so that float32 rounding shows.
func Value(n, i int) float64 {
	return float64(n+1)/3 + float64(i)*0.1 - 0.5
}

// Tensor returns a tensor of the given shape and dtype filled with Value(n, i).
func Tensor(tb testing.TB, n int, shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	tb.Helper()
	raw, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		tb.Fatalf("modeltest: %v", err)
	}
	switch dtype {
	case tensor.Float64:
		vs := raw.AsFloat64()
		for i := range vs {
			vs[i] = Value(n, i)
		}
	case tensor.Float32:
		vs := raw.AsFloat32()
		for i := range vs {
			vs[i] = float32(Value(n, i))
		}
	case tensor.Float16:
		vs := raw.AsFloat16()
		for i := range vs {
			vs[i] = float16.Fromfloat32(float32(Value(n, i)))
		}
	case tensor.BFloat16:
		vs := raw.AsBFloat16()
		for i := range vs {
			vs[i] = bfloat16.FromFloat32(float32(Value(n, i)))
		}
	case tensor.Int32:
		vs := raw.AsInt32()
		for i := range vs {
			vs[i] = int32(Value(n, i) * 10)
		}
	case tensor.Int64:
		vs := raw.AsInt64()
		for i := range vs {
			vs[i] = int64(Value(n, i) * 10)
		}
	default:
		tb.Fatalf("modeltest: no fill for dtype %s", dtype)
	}
	return raw
}

// Dense returns a Dense layer with a (in, units) kernel and a (units,) bias.
// seed selects the tensor contents.
func Dense(tb testing.TB, name string, in, units int, dtype tensor.DataType, seed int) *model.Layer {
	tb.Helper()
	return must.M1(model.NewLayer(name, "Dense",
		[]string{name + ".kernel", name + ".bias"},
		[]*tensor.RawTensor{
			Tensor(tb, 2*seed, tensor.Shape{in, units}, dtype),
			Tensor(tb, 2*seed+1, tensor.Shape{units}, dtype),
		}))
}

// Dropout returns a Dropout layer, which has no parameters.
func Dropout(name string) *model.Layer {
	return must.M1(model.NewLayer(name, "Dropout", nil, nil))
}

// Sequential returns a "Sequential" model of Dense layers named the Keras way
// ("dense", "dense_1", ...), taking inputs of size in.
func Sequential(tb testing.TB, dtype tensor.DataType, in int, units ...int) *model.Model {
	tb.Helper()
	layers := make([]*model.Layer, len(units))
	for i, u := range units {
		name := "dense"
		if i > 0 {
			name = fmt.Sprintf("dense_%d", i)
		}
		layers[i] = Dense(tb, name, in, u, dtype, i)
		in = u
	}
	return must.M1(model.New("Sequential", layers...))
}

// Bidirectional returns a Bidirectional(LSTM) layer with forward and backward
// kernel, recurrent kernel and bias, the way Keras names them.
func Bidirectional(tb testing.TB, name string, in, units int, dtype tensor.DataType, seed int) *model.Layer {
	tb.Helper()
	var names []string
	var weights []*tensor.RawTensor
	n := 3 * seed
	for _, dir := range []string{"forward_lstm", "backward_lstm"} {
		names = append(names,
			name+"."+dir+".lstm_cell.kernel",
			name+"."+dir+".lstm_cell.recurrent_kernel",
			name+"."+dir+".lstm_cell.bias")
		weights = append(weights,
			Tensor(tb, n, tensor.Shape{in, 4 * units}, dtype),
			Tensor(tb, n+1, tensor.Shape{units, 4 * units}, dtype),
			Tensor(tb, n+2, tensor.Shape{4 * units}, dtype))
		n += 3
	}
	return must.M1(model.NewLayer(name, "Bidirectional", names, weights))
}

// Functional returns a nested "Functional" base model with one convolution
// and one batch normalization, as in transfer-learning checkpoints.
func Functional(tb testing.TB, name string, dtype tensor.DataType, seed int) *model.Layer {
	tb.Helper()
	return must.M1(model.NewLayer(name, "Functional",
		[]string{
			name + ".conv1.kernel",
			name + ".bn1.gamma",
			name + ".bn1.beta",
			name + ".bn1.moving_mean",
			name + ".bn1.moving_variance",
		},
		[]*tensor.RawTensor{
			Tensor(tb, 5*seed, tensor.Shape{3, 3, 1, 4}, dtype),
			Tensor(tb, 5*seed+1, tensor.Shape{4}, dtype),
			Tensor(tb, 5*seed+2, tensor.Shape{4}, dtype),
			Tensor(tb, 5*seed+3, tensor.Shape{4}, dtype),
			Tensor(tb, 5*seed+4, tensor.Shape{4}, dtype),
		}))
}

// Stateless returns a layer of the given class with no parameters.
func Stateless(name, kind string) *model.Layer {
	return must.M1(model.NewLayer(name, kind, nil, nil))
}

// KerasZoo returns a model mixing wrapper, nested and shape-only Keras layers.
func KerasZoo(tb testing.TB, dtype tensor.DataType) *model.Model {
	tb.Helper()
	return must.M1(model.New("Functional",
		Functional(tb, "mobilenet_base", dtype, 0),
		Stateless("global_max_pooling2d", "GlobalMaxPooling2D"),
		Stateless("zero_padding2d", "ZeroPadding2D"),
		Bidirectional(tb, "bidirectional", 4, 2, dtype, 2),
		Stateless("time_distributed", "TimeDistributed"),
		Stateless("max_pooling1d", "MaxPooling1D"),
		Stateless("concatenate", "Concatenate"),
		Dense(tb, "dense", 8, 3, dtype, 7),
	))
}
