package serialization

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/born-ml/f32ckpt/internal/tensor"
)

func TestChecksumTensorsMatchesDataSection(t *testing.T) {
	a, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 2})
	b, _ := tensor.FromFloat64(tensor.Shape{1}, []float64{3})
	tensors := []NamedTensor{{Name: "a", Tensor: a}, {Name: "b", Tensor: b}}

	data := append(append([]byte(nil), a.Data()...), b.Data()...)
	fromReader, err := ChecksumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ChecksumReader failed: %v", err)
	}
	if got := ChecksumTensors(tensors); got != fromReader {
		t.Errorf("ChecksumTensors %x != ChecksumReader %x", got, fromReader)
	}

	// Order matters.
	swapped := []NamedTensor{tensors[1], tensors[0]}
	if ChecksumTensors(swapped) == fromReader {
		t.Error("Checksum should depend on tensor order")
	}
}

func TestValidateChecksum(t *testing.T) {
	sum, _ := ChecksumReader(bytes.NewReader([]byte("weights")))
	if err := ValidateChecksum(sum, sum); err != nil {
		t.Errorf("Expected no error for matching checksums, got: %v", err)
	}

	wrong := sum
	wrong[0] ^= 0xff
	if err := ValidateChecksum(sum, wrong); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got: %v", err)
	}
}

func TestChecksumKnownVectors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello world", "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := ChecksumReader(bytes.NewReader([]byte(tt.input)))
			if err != nil {
				t.Fatal(err)
			}
			if got := hex.EncodeToString(sum[:]); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}

	if got := ChecksumTensors(nil); hex.EncodeToString(got[:]) != tests[0].expected {
		t.Errorf("Checksum of no tensors should be the empty SHA-256, got %x", got)
	}
}
