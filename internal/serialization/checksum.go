package serialization

import (
	"crypto/sha256"
	"io"
)

// ChecksumTensors returns the SHA-256 of the tensors' data concatenated in
// order, which is the data section of a v2 file.
func ChecksumTensors(tensors []NamedTensor) [ChecksumSize]byte {
	h := sha256.New()
	for _, nt := range tensors {
		_, _ = h.Write(nt.Tensor.Data()) // hash.Hash writes never fail
	}
	var sum [ChecksumSize]byte
	h.Sum(sum[:0])
	return sum
}

// ChecksumReader returns the SHA-256 of everything read from r.
func ChecksumReader(r io.Reader) ([ChecksumSize]byte, error) {
	h := sha256.New()
	var sum [ChecksumSize]byte
	if _, err := io.Copy(h, r); err != nil {
		return sum, err
	}
	h.Sum(sum[:0])
	return sum, nil
}

// ValidateChecksum returns ErrChecksumMismatch unless computed equals stored.
func ValidateChecksum(computed, stored [ChecksumSize]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
