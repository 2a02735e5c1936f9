// Package flash models a raw NOR flash data partition. A partition is
// byte-addressable for reads, but a write can only clear bits (1 → 0);
// restoring bits to 1 requires erasing the whole sector that contains
// them. Callers that update data in place must therefore read the
// sector, erase it, patch the buffer, and write the sector back.
//
// Two implementations are provided: [File] backs the partition with a
// file or character device (an MTD partition, or an image file on
// hosts without one), and [Mem] keeps it in memory with optional fault
// injection for tests.
package flash

import (
	"errors"
	"fmt"
)

// ErasedByte is the value every byte holds after a sector erase.
const ErasedByte = 0xFF

var (
	// ErrOutOfRange is returned for any access outside the partition.
	ErrOutOfRange = errors.New("flash: access out of partition range")
	// ErrUnaligned is returned when an erase offset is not on a sector boundary.
	ErrUnaligned = errors.New("flash: erase offset not sector aligned")
	// ErrGeometry is returned when the partition size is not a positive
	// multiple of the sector size.
	ErrGeometry = errors.New("flash: size must be a positive multiple of the sector size")
)

// Partition is a named region of raw flash.
type Partition interface {
	// Label is the partition name (e.g. "config").
	Label() string
	// Size is the partition length in bytes.
	Size() int64
	// SectorSize is the erase granularity in bytes.
	SectorSize() int64
	// ReadAt reads len(p) bytes at off.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt programs len(p) bytes at off. Programming can only clear
	// bits; the stored result is old & new.
	WriteAt(p []byte, off int64) (int, error)
	// EraseSector sets every byte of the sector starting at off to
	// [ErasedByte]. off must be sector aligned.
	EraseSector(off int64) error
}

// SectorStart returns the offset of the sector containing off.
func SectorStart(off, sectorSize int64) int64 {
	return off - off%sectorSize
}

// Sectors returns the number of sectors in p.
func Sectors(p Partition) int {
	return int(p.Size() / p.SectorSize())
}

func checkGeometry(size, sectorSize int64) error {
	if sectorSize <= 0 || size <= 0 || size%sectorSize != 0 {
		return fmt.Errorf("%w (size %d, sector %d)", ErrGeometry, size, sectorSize)
	}
	return nil
}

func checkRange(size int64, n int, off int64) error {
	if off < 0 || off+int64(n) > size {
		return fmt.Errorf("%w: %d bytes at offset %d (size %d)", ErrOutOfRange, n, off, size)
	}
	return nil
}

func checkErase(size, sectorSize, off int64) error {
	if off < 0 || off >= size {
		return fmt.Errorf("%w: erase at offset %d (size %d)", ErrOutOfRange, off, size)
	}
	if off%sectorSize != 0 {
		return fmt.Errorf("%w: offset %d, sector %d", ErrUnaligned, off, sectorSize)
	}
	return nil
}

// program applies NOR programming semantics: dst keeps only the bits
// that are set in both dst and src.
func program(dst, src []byte) {
	for i := range src {
		dst[i] &= src[i]
	}
}

func erased(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ErasedByte
	}
	return b
}
