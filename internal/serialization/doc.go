// Package serialization reads and writes the checkpoint files handled by f32ckpt.
//
// Two container formats are supported:
//
// The native .born format:
//
//	Format v2 (written by this package):
//	  [64 bytes: fixed header]
//	    0x00 Magic "BORN" | 0x04 Version (uint32 LE) | 0x08 Flags (uint32 LE)
//	    0x10 Header size (uint64 LE) | 0x18 Data size (uint64 LE)
//	    0x20 SHA-256 of the tensor data section (32 bytes)
//	  [Header: JSON metadata]
//	  [Tensor data: raw little-endian bytes, 64-byte aligned]
//
//	Format v1 (read-only compatibility):
//	  [4 bytes: Magic "BORN"] [4 bytes: Version] [4 bytes: Flags]
//	  [8 bytes: Header Size] [Header] [Tensor data, 64-byte aligned]
//
// The JSON header lists tensors in file order, the ordered layer topology and,
// optionally, training state metadata. Tensor order is preserved on write.
//
// The SafeTensors format used by Hugging Face:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// Example usage:
//
//	reader, err := serialization.NewBornReader("model.born")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reader.Close()
//	tensors, err := reader.ReadTensors()
package serialization
