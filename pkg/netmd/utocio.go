package netmd

import (
	"context"
	"fmt"
)

// utocDefaultBaseAddr is the factory-mode memory window a split-upload
// workflow reads and writes the three UTOC sectors through. It is not
// present in the retrieved reference source (only the AV/C descriptor
// IDs audioUTOC1TD/audioUTOC4TD appear there, not a raw memory address),
// so this value documents the placeholder a caller is expected to
// override per firmware fingerprint via ReadUTOCRaw/WriteUTOCRaw's
// explicit baseAddr parameter rather than asserting it as verified.
const utocDefaultBaseAddr uint32 = 0x00600000

// UtocDefaultBaseAddr returns the placeholder UTOC memory window
// documented above. Callers driving a real split workflow should treat
// it as a starting point to verify against their own firmware, not a
// confirmed address, and override it per device fingerprint if it
// proves wrong.
func UtocDefaultBaseAddr() uint32 { return utocDefaultBaseAddr }

// utocChunkSize is the read/write granularity ReadUTOCRaw/WriteUTOCRaw
// chunk the 7,056-byte UTOC into: CleanRead/CleanWrite encode length as
// a single byte, so no chunk can exceed 255.
const utocChunkSize = 240

// ReadUTOCRaw reads the three 2,352-byte UTOC sectors (7,056 bytes
// total, see toc.go) starting at baseAddr through the patch engine's
// factory-mode memory window, chunked to fit the single-byte length
// field CleanRead encodes.
func ReadUTOCRaw(ctx context.Context, pe *PatchEngine, baseAddr uint32) ([]byte, error) {
	buf := make([]byte, utocTotalSize)
	for off := 0; off < len(buf); off += utocChunkSize {
		n := utocChunkSize
		if off+n > len(buf) {
			n = len(buf) - off
		}
		chunk, err := pe.CleanRead(ctx, baseAddr+uint32(off), byte(n))
		if err != nil {
			return nil, fmt.Errorf("read UTOC chunk at offset %d: %w", off, err)
		}
		if len(chunk) < n {
			return nil, fmt.Errorf("%w: UTOC chunk at offset %d short: got %d, want %d", ErrOther, off, len(chunk), n)
		}
		copy(buf[off:off+n], chunk[:n])
	}
	return buf, nil
}

// WriteUTOCRaw writes buf (must be exactly 7,056 bytes) back to the
// device starting at baseAddr, chunked the same way ReadUTOCRaw reads it.
func WriteUTOCRaw(ctx context.Context, pe *PatchEngine, baseAddr uint32, buf []byte) error {
	if len(buf) != utocTotalSize {
		return fmt.Errorf("%w: UTOC buffer must be %d bytes, got %d", ErrInvalidParam, utocTotalSize, len(buf))
	}
	for off := 0; off < len(buf); off += utocChunkSize {
		n := utocChunkSize
		if off+n > len(buf) {
			n = len(buf) - off
		}
		if err := pe.CleanWrite(ctx, baseAddr+uint32(off), buf[off:off+n]); err != nil {
			return fmt.Errorf("write UTOC chunk at offset %d: %w", off, err)
		}
	}
	return nil
}
