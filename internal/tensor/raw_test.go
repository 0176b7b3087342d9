package tensor

import (
	"testing"
)

// RawTensor Tests

func TestRawTensorAsInt64(t *testing.T) {
	raw, _ := NewRaw(Shape{3, 2}, Int64)
	data := raw.AsInt64()

	if len(data) != 6 {
		t.Errorf("AsInt64 length = %d, want 6", len(data))
	}

	// Modify and verify zero-copy
	data[0] = 42
	if raw.AsInt64()[0] != 42 {
		t.Error("AsInt64 should return zero-copy slice")
	}
}

func TestRawTensorAsUint8(t *testing.T) {
	raw, _ := NewRaw(Shape{4, 4}, Uint8)
	data := raw.AsUint8()

	if len(data) != 16 {
		t.Errorf("AsUint8 length = %d, want 16", len(data))
	}

	data[0] = 255
	if raw.AsUint8()[0] != 255 {
		t.Error("AsUint8 should return zero-copy slice")
	}
}

func TestRawTensorAsBool(t *testing.T) {
	raw, _ := NewRaw(Shape{2, 2}, Bool)
	data := raw.AsBool()

	if len(data) != 4 {
		t.Errorf("AsBool length = %d, want 4", len(data))
	}

	data[0] = true
	if !raw.AsBool()[0] {
		t.Error("AsBool should return zero-copy slice")
	}
}

func TestRawTensorWrongDTypePanics(t *testing.T) {
	raw, _ := NewRaw(Shape{2}, Float64)
	defer func() {
		if recover() == nil {
			t.Error("AsFloat32 on a float64 tensor should panic")
		}
	}()
	_ = raw.AsFloat32()
}

func TestNewRawInvalidShape(t *testing.T) {
	if _, err := NewRaw(Shape{2, 0}, Float32); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewRaw(Shape{-1}, Float32); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestRawTensorScalar(t *testing.T) {
	raw, err := NewRaw(Shape{}, Float32)
	if err != nil {
		t.Fatalf("NewRaw scalar: %v", err)
	}
	if raw.NumElements() != 1 || raw.ByteSize() != 4 {
		t.Errorf("scalar: got %d elements / %d bytes, want 1 / 4", raw.NumElements(), raw.ByteSize())
	}
}

func TestFromBytes(t *testing.T) {
	data := make([]byte, 12)
	raw, err := FromBytes(Shape{3}, Float32, data)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	data[0] = 1
	if raw.Data()[0] != 0 {
		t.Error("FromBytes should copy its input")
	}

	if _, err := FromBytes(Shape{4}, Float32, data); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestRawTensorClone(t *testing.T) {
	raw, _ := FromFloat32(Shape{2}, []float32{1, 2})
	clone := raw.Clone()
	clone.AsFloat32()[0] = 99

	if raw.AsFloat32()[0] != 1 {
		t.Error("Clone should not share the buffer")
	}
	if !clone.Shape().Equal(raw.Shape()) || clone.DType() != raw.DType() {
		t.Error("Clone should keep shape and dtype")
	}
}

func TestShapeString(t *testing.T) {
	tests := []struct {
		shape Shape
		want  string
	}{
		{Shape{}, "()"},
		{Shape{64}, "(64,)"},
		{Shape{784, 64}, "(784, 64)"},
		{Shape{3, 3, 1, 32}, "(3, 3, 1, 32)"},
	}
	for _, tt := range tests {
		if got := tt.shape.String(); got != tt.want {
			t.Errorf("Shape%v.String() = %q, want %q", []int(tt.shape), got, tt.want)
		}
	}
}

func TestParseDataType(t *testing.T) {
	for _, dt := range []DataType{Float32, Float64, Int32, Int64, Uint8, Bool, Float16, BFloat16} {
		got, err := ParseDataType(dt.String())
		if err != nil || got != dt {
			t.Errorf("ParseDataType(%q) = %v, %v", dt.String(), got, err)
		}
	}
	if _, err := ParseDataType("complex64"); err == nil {
		t.Error("expected error for unknown dtype")
	}
}
