package flash

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is a [Partition] backed by a file. On hosts with a real MTD
// partition the path is the character device, erased through the MTD
// ioctls; otherwise it is an image file that [OpenFile] creates in the
// erased state.
type File struct {
	mu         sync.Mutex
	f          *os.File
	label      string
	size       int64
	sectorSize int64
	mtd        bool
}

// OpenFile opens (creating if needed) the partition image at path. A
// missing or short image is extended with erased bytes up to size.
func OpenFile(path, label string, size, sectorSize int64) (*File, error) {
	if err := checkGeometry(size, sectorSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat partition %s: %w", path, err)
	}

	mtd := info.Mode()&os.ModeCharDevice != 0
	if mtd {
		if err := checkMTD(f, size, sectorSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("partition %s: %w", path, err)
		}
	}

	if info.Mode().IsRegular() && info.Size() < size {
		pad := erased(size - info.Size())
		if _, err := f.WriteAt(pad, info.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("initialize partition %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync partition %s: %w", path, err)
		}
	}

	return &File{
		f:          f,
		label:      label,
		size:       size,
		sectorSize: sectorSize,
		mtd:        mtd,
	}, nil
}

// Label returns the partition name.
func (p *File) Label() string { return p.label }

// Size returns the partition length in bytes.
func (p *File) Size() int64 { return p.size }

// SectorSize returns the erase granularity.
func (p *File) SectorSize() int64 { return p.sectorSize }

// ReadAt reads from the backing file.
func (p *File) ReadAt(b []byte, off int64) (int, error) {
	if err := checkRange(p.size, len(b), off); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.f.ReadAt(b, off)
	if err == io.EOF && n == len(b) {
		err = nil
	}
	return n, err
}

// WriteAt programs b at off with NOR semantics.
func (p *File) WriteAt(b []byte, off int64) (int, error) {
	if err := checkRange(p.size, len(b), off); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := make([]byte, len(b))
	if _, err := p.f.ReadAt(cur, off); err != nil && err != io.EOF {
		return 0, err
	}
	program(cur, b)
	n, err := p.f.WriteAt(cur, off)
	if err != nil || p.mtd {
		return n, err
	}
	return n, p.f.Sync()
}

// EraseSector resets the sector at off to the erased state.
func (p *File) EraseSector(off int64) error {
	if err := checkErase(p.size, p.sectorSize, off); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mtd {
		return eraseMTD(p.f, off, p.sectorSize)
	}
	if _, err := p.f.WriteAt(erased(p.sectorSize), off); err != nil {
		return err
	}
	return p.f.Sync()
}

// Close releases the backing file.
func (p *File) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}
