package tensor

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/born-ml/f32ckpt/internal/parallel"
)

// castConfig splits large tensors across CPUs. Each element is converted
// independently, so the result does not depend on the split.
var castConfig = parallel.DefaultConfig()

// CastToFloat32 returns a new Float32 tensor with the same shape as r, each
// element converted with Go's round-to-nearest-even conversion rules.
//
// The source tensor is never modified. A Float32 source is deep-copied.
func CastToFloat32(r *RawTensor) (*RawTensor, error) {
	if r.dtype == Float32 {
		return r.Clone(), nil
	}

	out, err := NewRaw(r.shape, Float32)
	if err != nil {
		return nil, err
	}
	dst := out.AsFloat32()

	switch r.dtype {
	case Float64:
		parallel.Map(dst, r.AsFloat64(), func(v float64) float32 { return float32(v) }, castConfig)
	case Float16:
		parallel.Map(dst, r.AsFloat16(), func(v float16.Float16) float32 { return v.Float32() }, castConfig)
	case BFloat16:
		parallel.Map(dst, r.AsBFloat16(), func(v bfloat16.BFloat16) float32 { return v.Float32() }, castConfig)
	case Int32:
		parallel.Map(dst, r.AsInt32(), func(v int32) float32 { return float32(v) }, castConfig)
	case Int64:
		parallel.Map(dst, r.AsInt64(), func(v int64) float32 { return float32(v) }, castConfig)
	case Uint8:
		parallel.Map(dst, r.AsUint8(), func(v uint8) float32 { return float32(v) }, castConfig)
	case Bool:
		// Stored bools are bytes; any non-zero byte is true.
		parallel.Map(dst, r.data, func(v byte) float32 {
			if v != 0 {
				return 1
			}
			return 0
		}, castConfig)
	default:
		return nil, fmt.Errorf("cannot cast %s to float32", r.dtype)
	}
	return out, nil
}
