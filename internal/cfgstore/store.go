// Package cfgstore is the node's persistent configuration: a fixed,
// ordered table of named 32-bit slots stored positionally in a raw
// flash partition. Slot i lives at offset i*4 as a little-endian
// uint32. There is no filesystem and no wear-leveling; every write is
// a read-erase-patch-write cycle of the sector holding the slot.
//
// The erased pattern 0xFFFFFFFF ([NoValue]) doubles as "unset", so a
// slot explicitly written with that value reads back as unset.
package cfgstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/db-home-system/radiolog/internal/flash"
)

// NoValue is the content of an erased (unset) slot.
const NoValue uint32 = 0xFFFFFFFF

// SlotSize is the on-flash size of one slot in bytes.
const SlotSize = 4

var (
	// ErrUnknownKey is returned by Write for a key outside the slot table.
	ErrUnknownKey = errors.New("cfgstore: unknown key")
	// ErrLayout is returned by New when the slot table and schema word do
	// not fit in the first sector of the partition.
	ErrLayout = errors.New("cfgstore: slot table does not fit in the first sector")
)

// Store reads and writes configuration slots on a flash partition.
// Writes are serialized; reads go straight to the partition.
type Store struct {
	part   flash.Partition
	keys   []string
	logger *slog.Logger

	mu      sync.Mutex
	scratch []byte // one sector, reused by every write cycle
}

// New creates a store over part using the built-in slot table.
func New(part flash.Partition, logger *slog.Logger) (*Store, error) {
	ss := part.SectorSize()
	if int64(len(keyTable)*SlotSize) > ss-SlotSize {
		return nil, fmt.Errorf("%w: %d slots, sector %d bytes", ErrLayout, len(keyTable), ss)
	}
	return &Store{
		part:    part,
		keys:    keyTable,
		logger:  logger,
		scratch: make([]byte, ss),
	}, nil
}

// lookup resolves key to its slot index: an exact match wins, otherwise
// the first table key that starts with key. The empty key never
// matches.
func (s *Store) lookup(key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	for i, k := range s.keys {
		if k == key {
			return i, true
		}
	}
	for i, k := range s.keys {
		if strings.HasPrefix(k, key) {
			return i, true
		}
	}
	return 0, false
}

// Read returns the raw slot value for key. found is false when the key
// is unknown or the partition read fails; an unset slot returns
// [NoValue] with found true.
func (s *Store) Read(key string) (value uint32, found bool) {
	idx, ok := s.lookup(key)
	if !ok {
		s.logger.Debug("config key not found", "key", key)
		return NoValue, false
	}

	v, err := s.readWord(int64(idx) * SlotSize)
	if err != nil {
		s.logger.Warn("config read failed", "key", s.keys[idx], "error", err)
		return NoValue, false
	}
	return v, true
}

// Write stores value in the slot for key. The containing sector is
// read, erased, patched and written back. If the write-back fails the
// sector stays erased: every slot in it reads as unset until rewritten.
func (s *Store) Write(key string, value uint32) error {
	idx, ok := s.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if err := s.writeWord(int64(idx)*SlotSize, value); err != nil {
		return fmt.Errorf("write %s: %w", s.keys[idx], err)
	}
	s.logger.Debug("config written", "key", s.keys[idx], "value", value)
	return nil
}

// InitWithDefault returns the stored value for key, or def when the
// key cannot be read or is unset. The default is not persisted.
func (s *Store) InitWithDefault(key string, def uint32) uint32 {
	v, ok := s.Read(key)
	if !ok || v == NoValue {
		s.logger.Info("config unset, using default", "key", key, "default", def)
		return def
	}
	s.logger.Debug("config loaded", "key", key, "value", v)
	return v
}

// Values reads every slot in table order.
func (s *Store) Values() (map[string]uint32, error) {
	buf := make([]byte, len(s.keys)*SlotSize)
	if _, err := s.part.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read slot table: %w", err)
	}
	out := make(map[string]uint32, len(s.keys))
	for i, k := range s.keys {
		out[k] = binary.LittleEndian.Uint32(buf[i*SlotSize:])
	}
	return out, nil
}

func (s *Store) readWord(off int64) (uint32, error) {
	var b [SlotSize]byte
	if _, err := s.part.ReadAt(b[:], off); err != nil {
		return NoValue, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *Store) writeWord(off int64, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := flash.SectorStart(off, s.part.SectorSize())
	buf := s.scratch

	if _, err := s.part.ReadAt(buf, start); err != nil {
		return fmt.Errorf("read sector %#x: %w", start, err)
	}
	if err := s.part.EraseSector(start); err != nil {
		return fmt.Errorf("erase sector %#x: %w", start, err)
	}
	binary.LittleEndian.PutUint32(buf[off-start:], value)
	if _, err := s.part.WriteAt(buf, start); err != nil {
		s.logger.Error("sector left erased after failed write-back",
			"partition", s.part.Label(), "sector", start, "error", err)
		return fmt.Errorf("write sector %#x: %w", start, err)
	}
	return nil
}
