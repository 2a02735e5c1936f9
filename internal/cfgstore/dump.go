package cfgstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/db-home-system/radiolog/internal/flash"
)

const wordsPerLine = 8

// Dump writes a diagnostic rendering of the whole partition to w: the
// slot table with decoded values, then every sector as raw words, eight
// per line. Runs of fully erased lines are collapsed to "*". A read
// failure aborts the dump.
func (s *Store) Dump(w io.Writer) error {
	ss := s.part.SectorSize()
	sectors := flash.Sectors(s.part)

	fmt.Fprintf(w, "partition %q: %d sectors of %d bytes, schema v%d\n",
		s.part.Label(), sectors, ss, SchemaVersion)

	vals, err := s.Values()
	if err != nil {
		return err
	}
	for i, k := range s.keys {
		v := vals[k]
		if v == NoValue {
			fmt.Fprintf(w, "  [%2d] %-20s unset\n", i, k)
			continue
		}
		fmt.Fprintf(w, "  [%2d] %-20s %d\n", i, k, v)
	}

	buf := make([]byte, ss)
	lineBytes := int64(wordsPerLine * SlotSize)
	for sec := range sectors {
		start := int64(sec) * ss
		if _, err := s.part.ReadAt(buf, start); err != nil {
			return fmt.Errorf("dump sector %d: %w", sec, err)
		}

		skipping := false
		for off := int64(0); off < ss; off += lineBytes {
			line := buf[off:min(off+lineBytes, ss)]
			if allErased(line) {
				if !skipping {
					fmt.Fprintln(w, "*")
					skipping = true
				}
				continue
			}
			skipping = false

			var sb strings.Builder
			fmt.Fprintf(&sb, "%06x:", start+off)
			for i := 0; i+SlotSize <= len(line); i += SlotSize {
				fmt.Fprintf(&sb, " %08x", binary.LittleEndian.Uint32(line[i:]))
			}
			fmt.Fprintln(w, sb.String())
		}
	}
	return nil
}

func allErased(b []byte) bool {
	for _, c := range b {
		if c != flash.ErasedByte {
			return false
		}
	}
	return true
}
