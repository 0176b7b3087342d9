package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// WriterVersion is recorded in the header of every file written by this package.
const WriterVersion = "f32ckpt/0.3.0"

// BornWriter writes models in .born format.
type BornWriter struct {
	file   *os.File
	closed bool
}

// NewBornWriter creates a new .born file writer.
func NewBornWriter(path string) (*BornWriter, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &BornWriter{file: file}, nil
}

// WriteTensors writes the tensors, in the given order, with the given header.
//
// header.Tensors is recomputed from tensors. header.FormatVersion selects the
// layout: FormatVersion writes v1, anything else writes v2 with checksum.
func (w *BornWriter) WriteTensors(tensors []NamedTensor, header Header) error {
	if w.closed {
		return ErrClosed
	}
	return writeBorn(w.file, tensors, header)
}

// Close closes the writer and the underlying file.
func (w *BornWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// WriteFile writes a complete .born file at path.
func WriteFile(path string, tensors []NamedTensor, header Header) (err error) {
	writer, err := NewBornWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, closeErr)
		}
	}()
	return writer.WriteTensors(tensors, header)
}

//nolint:gocyclo,cyclop // Complex writer logic is unavoidable for binary format
func writeBorn(out io.Writer, tensors []NamedTensor, header Header) error {
	if header.FormatVersion != FormatVersion {
		header.FormatVersion = FormatVersionV2
	}
	if header.WriterVersion == "" {
		header.WriterVersion = WriterVersion
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	// Calculate tensor offsets
	var currentOffset int64
	header.Tensors = make([]TensorMeta, 0, len(tensors))
	for _, nt := range tensors {
		size := int64(nt.Tensor.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   nt.Name,
			DType:  nt.Tensor.DType().String(),
			Shape:  []int(nt.Tensor.Shape()),
			Offset: currentOffset,
			Size:   size,
		})
		currentOffset += size
	}
	if err := ValidateHeader(&header, currentOffset, ValidationStrict); err != nil {
		return fmt.Errorf("refusing to write invalid header: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	headerSize := uint64(len(headerJSON))

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.CheckpointMeta != nil && header.CheckpointMeta.IsCheckpoint {
		flags |= FlagHasOptimizer
	}
	if header.Training != nil {
		flags |= FlagHasTraining
	}

	var fixedHeader []byte
	if header.FormatVersion == FormatVersion {
		fixedHeader = make([]byte, FixedHeaderSizeV1)
		copy(fixedHeader[0:4], MagicBytes)
		binary.LittleEndian.PutUint32(fixedHeader[4:8], uint32(FormatVersion))
		binary.LittleEndian.PutUint32(fixedHeader[8:12], flags)
		binary.LittleEndian.PutUint64(fixedHeader[12:20], headerSize)
	} else {
		checksum := ChecksumTensors(tensors)

		fixedHeader = make([]byte, FixedHeaderSizeV2)
		copy(fixedHeader[0:4], MagicBytes)
		binary.LittleEndian.PutUint32(fixedHeader[4:8], uint32(FormatVersionV2))
		binary.LittleEndian.PutUint32(fixedHeader[8:12], flags)
		// 0x0C-0x0F: reserved
		binary.LittleEndian.PutUint64(fixedHeader[16:24], headerSize)
		binary.LittleEndian.PutUint64(fixedHeader[24:32], uint64(currentOffset)) //nolint:gosec // G115: sum of tensor sizes
		copy(fixedHeader[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])
	}

	if _, err := out.Write(fixedHeader); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := out.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header JSON: %w", err)
	}

	//nolint:gosec // G115: headerSize is small (< 100MB max), conversion is safe
	headerEnd := int64(len(fixedHeader)) + int64(headerSize)
	if padding := alignedDataOffset(headerEnd) - headerEnd; padding > 0 {
		if _, err := out.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	for _, nt := range tensors {
		if _, err := out.Write(nt.Tensor.Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", nt.Name, err)
		}
	}
	return nil
}
