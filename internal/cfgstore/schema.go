package cfgstore

import (
	"fmt"
)

// SchemaVersion identifies the current slot table layout. Bump it only
// together with a migration when the table changes incompatibly.
const SchemaVersion uint32 = 1

// SchemaState classifies the partition at startup.
type SchemaState int

const (
	// SchemaFresh means the partition was fully erased; it has been stamped.
	SchemaFresh SchemaState = iota
	// SchemaCurrent means the stored version matches SchemaVersion.
	SchemaCurrent
	// SchemaMismatch means a different layout version is stored.
	SchemaMismatch
	// SchemaInterrupted means the slot sector was erased by a write cycle
	// that never completed. Slots in it read as unset.
	SchemaInterrupted
)

func (s SchemaState) String() string {
	switch s {
	case SchemaFresh:
		return "fresh"
	case SchemaCurrent:
		return "current"
	case SchemaMismatch:
		return "mismatch"
	case SchemaInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("SchemaState(%d)", int(s))
	}
}

// The version word is kept twice: at the end of the slot sector, where
// every slot write cycle rewrites it, and at the end of the partition,
// where slot writes never reach. On a single-sector partition both
// offsets coincide and an interrupted cycle looks like a fresh partition.
func (s *Store) primarySchemaOffset() int64 { return s.part.SectorSize() - SlotSize }
func (s *Store) mirrorSchemaOffset() int64  { return s.part.Size() - SlotSize }

// CheckSchema inspects the stored layout version, stamps it where it
// is missing, and reports what it found. A mismatching version is left
// untouched.
func (s *Store) CheckSchema() (SchemaState, error) {
	primary, err := s.readWord(s.primarySchemaOffset())
	if err != nil {
		return 0, fmt.Errorf("read schema word: %w", err)
	}
	mirror, err := s.readWord(s.mirrorSchemaOffset())
	if err != nil {
		return 0, fmt.Errorf("read schema mirror: %w", err)
	}

	for _, v := range []uint32{primary, mirror} {
		if v != NoValue && v != SchemaVersion {
			s.logger.Error("config layout version mismatch",
				"stored", v, "expected", SchemaVersion)
			return SchemaMismatch, nil
		}
	}

	switch {
	case primary == SchemaVersion && mirror == SchemaVersion:
		return SchemaCurrent, nil

	case primary == SchemaVersion:
		if err := s.writeWord(s.mirrorSchemaOffset(), SchemaVersion); err != nil {
			return 0, fmt.Errorf("stamp schema mirror: %w", err)
		}
		s.logger.Warn("schema mirror restored")
		return SchemaCurrent, nil
	}

	// The slot sector copy is erased.
	used, err := s.anySlotSet()
	if err != nil {
		return 0, err
	}
	state := SchemaFresh
	if mirror == SchemaVersion || used {
		state = SchemaInterrupted
	}

	if err := s.stamp(); err != nil {
		return 0, err
	}

	if state == SchemaInterrupted {
		s.logger.Error("config sector was erased by an interrupted write; unset slots fall back to defaults",
			"partition", s.part.Label())
	} else {
		s.logger.Info("config partition initialized", "partition", s.part.Label(), "version", SchemaVersion)
	}
	return state, nil
}

func (s *Store) stamp() error {
	if err := s.writeWord(s.primarySchemaOffset(), SchemaVersion); err != nil {
		return fmt.Errorf("stamp schema word: %w", err)
	}
	if s.mirrorSchemaOffset() != s.primarySchemaOffset() {
		if err := s.writeWord(s.mirrorSchemaOffset(), SchemaVersion); err != nil {
			return fmt.Errorf("stamp schema mirror: %w", err)
		}
	}
	return nil
}

func (s *Store) anySlotSet() (bool, error) {
	vals, err := s.Values()
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		if v != NoValue {
			return true, nil
		}
	}
	return false, nil
}
