package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/f32ckpt/internal/serialization"
)

// Format is a checkpoint file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatBorn
	FormatSafeTensors
	FormatHDF5
)

func (f Format) String() string {
	switch f {
	case FormatBorn:
		return "born"
	case FormatSafeTensors:
		return "safetensors"
	case FormatHDF5:
		return "hdf5"
	default:
		return "unknown"
	}
}

// hdf5Signature starts every HDF5 file without a user block.
var hdf5Signature = []byte("\x89HDF\r\n\x1a\n")

// FormatForPath returns the format implied by the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".born":
		return FormatBorn
	case ".safetensors":
		return FormatSafeTensors
	case ".h5", ".hdf5":
		return FormatHDF5
	default:
		return FormatUnknown
	}
}

// DetectFormat returns the format of an existing file: by extension if it is
// a known one, otherwise by looking at its first bytes.
func DetectFormat(path string) (Format, error) {
	if f := FormatForPath(path); f != FormatUnknown {
		return f, nil
	}
	//nolint:gosec // G304: reading a user-supplied checkpoint is the point.
	file, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer func() { _ = file.Close() }()

	head := make([]byte, 9)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return FormatUnknown, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return sniffFormat(head[:n]), nil
}

func sniffFormat(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte(serialization.MagicBytes)):
		return FormatBorn
	case bytes.HasPrefix(head, hdf5Signature):
		return FormatHDF5
	case len(head) == 9 && head[8] == '{' &&
		binary.LittleEndian.Uint64(head[:8]) <= serialization.MaxHeaderSize:
		return FormatSafeTensors
	default:
		return FormatUnknown
	}
}
