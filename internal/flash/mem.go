package flash

import "sync"

// Mem is an in-memory [Partition]. Its fault fields let tests fail a
// specific operation; a nil fault means the operation succeeds.
type Mem struct {
	mu         sync.Mutex
	data       []byte
	label      string
	sectorSize int64

	readErr  error
	writeErr error
	eraseErr error

	erases int
}

// NewMem returns an erased in-memory partition. It panics on invalid
// geometry, which is a programming error in tests.
func NewMem(label string, size, sectorSize int64) *Mem {
	if err := checkGeometry(size, sectorSize); err != nil {
		panic(err)
	}
	return &Mem{
		data:       erased(size),
		label:      label,
		sectorSize: sectorSize,
	}
}

// FailReads makes every subsequent ReadAt return err (nil clears it).
func (m *Mem) FailReads(err error) { m.mu.Lock(); m.readErr = err; m.mu.Unlock() }

// FailWrites makes every subsequent WriteAt return err (nil clears it).
func (m *Mem) FailWrites(err error) { m.mu.Lock(); m.writeErr = err; m.mu.Unlock() }

// FailErases makes every subsequent EraseSector return err (nil clears it).
func (m *Mem) FailErases(err error) { m.mu.Lock(); m.eraseErr = err; m.mu.Unlock() }

// Erases reports how many sector erases have completed.
func (m *Mem) Erases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}

// Label returns the partition name.
func (m *Mem) Label() string { return m.label }

// Size returns the partition length in bytes.
func (m *Mem) Size() int64 { return int64(len(m.data)) }

// SectorSize returns the erase granularity.
func (m *Mem) SectorSize() int64 { return m.sectorSize }

// ReadAt copies partition bytes into b.
func (m *Mem) ReadAt(b []byte, off int64) (int, error) {
	if err := checkRange(m.Size(), len(b), off); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return copy(b, m.data[off:]), nil
}

// WriteAt programs b at off with NOR semantics.
func (m *Mem) WriteAt(b []byte, off int64) (int, error) {
	if err := checkRange(m.Size(), len(b), off); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	program(m.data[off:off+int64(len(b))], b)
	return len(b), nil
}

// EraseSector resets the sector at off to the erased state.
func (m *Mem) EraseSector(off int64) error {
	if err := checkErase(m.Size(), m.sectorSize, off); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eraseErr != nil {
		return m.eraseErr
	}
	for i := off; i < off+m.sectorSize; i++ {
		m.data[i] = ErasedByte
	}
	m.erases++
	return nil
}
