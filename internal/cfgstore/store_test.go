package cfgstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/db-home-system/radiolog/internal/flash"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPartition() *flash.Mem {
	return flash.NewMem("config", 8192, 4096)
}

func newTestStore(t *testing.T) (*Store, *flash.Mem) {
	t.Helper()
	part := newTestPartition()
	s, err := New(part, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, part
}

func TestWriteRead_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	for i, key := range Keys() {
		want := uint32(i*1000 + 7)
		if err := s.Write(key, want); err != nil {
			t.Fatalf("Write(%s): %v", key, err)
		}
		got, found := s.Read(key)
		if !found {
			t.Fatalf("Read(%s) found=false", key)
		}
		if got != want {
			t.Errorf("Read(%s) = %d, want %d", key, got, want)
		}
	}
}

func TestRead_UnsetSlotReturnsSentinel(t *testing.T) {
	s, _ := newTestStore(t)

	v, found := s.Read(KeyCoverUpTime)
	if !found {
		t.Fatal("unset known key should be found")
	}
	if v != NoValue {
		t.Errorf("unset slot = %#x, want NoValue", v)
	}
}

func TestWrite_SentinelIndistinguishableFromUnset(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Write(KeyCoverOpen, NoValue); err != nil {
		t.Fatal(err)
	}
	v, found := s.Read(KeyCoverOpen)
	if !found || v != NoValue {
		t.Errorf("Read = (%#x, %v), want (NoValue, true)", v, found)
	}
	if got := s.InitWithDefault(KeyCoverOpen, 100); got != 100 {
		t.Errorf("InitWithDefault = %d, want default 100", got)
	}
}

func TestUnknownKey(t *testing.T) {
	s, part := newTestStore(t)

	for _, key := range []string{"", "bogus", "cover_up_time_extra", "COVER_UP_TIME"} {
		if _, found := s.Read(key); found {
			t.Errorf("Read(%q) found=true", key)
		}
		err := s.Write(key, 1)
		if !errors.Is(err, ErrUnknownKey) {
			t.Errorf("Write(%q) err = %v, want ErrUnknownKey", key, err)
		}
	}
	if part.Erases() != 0 {
		t.Errorf("unknown-key writes erased %d sectors, want 0", part.Erases())
	}
}

func TestLookup_ExactBeforePrefix(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		key  string
		want string
	}{
		{"cover_open", KeyCoverOpen},
		{"cover_close", KeyCoverClose},
		{"cover", KeyCoverOpen},
		{"cover_up", KeyCoverUpTime},
		{"switch_l", KeySwitchLastState},
		{"dht", KeyDHT11Enable},
	}
	for _, tt := range tests {
		idx, ok := s.lookup(tt.key)
		if !ok {
			t.Errorf("lookup(%q) not found", tt.key)
			continue
		}
		if got := s.keys[idx]; got != tt.want {
			t.Errorf("lookup(%q) = %s, want %s", tt.key, got, tt.want)
		}
	}
}

func TestWrite_PreservesNeighbours(t *testing.T) {
	s, part := newTestStore(t)

	// Put recognizable data everywhere in the first sector, outside the
	// slot being rewritten.
	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	if err := part.EraseSector(0); err != nil {
		t.Fatal(err)
	}
	if _, err := part.WriteAt(pattern, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.Write(KeyCoverUpTime, 30); err != nil {
		t.Fatal(err)
	}

	after := make([]byte, 4096)
	if _, err := part.ReadAt(after, 0); err != nil {
		t.Fatal(err)
	}
	slot := 3 * SlotSize
	for i := range after {
		if i >= slot && i < slot+SlotSize {
			continue
		}
		if after[i] != pattern[i] {
			t.Fatalf("byte %d changed: %#x -> %#x", i, pattern[i], after[i])
		}
	}
	if got := binary.LittleEndian.Uint32(after[slot:]); got != 30 {
		t.Errorf("slot = %d, want 30", got)
	}
	if part.Erases() != 2 {
		t.Errorf("erases = %d, want 2 (setup + one write cycle)", part.Erases())
	}
}

func TestWrite_LittleEndianAtIndexOffset(t *testing.T) {
	s, part := newTestStore(t)

	if err := s.Write(KeySwitchPulseTime, 0x01020304); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 4)
	if _, err := part.ReadAt(b, 9*SlotSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Errorf("slot bytes = % x", b)
	}
}

func TestWrite_FailureAfterEraseLosesSector(t *testing.T) {
	var buf bytes.Buffer
	part := flash.NewMem("config", 8192, 4096)
	s, err := New(part, slog.New(slog.NewTextHandler(&buf, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(KeyCoverDownTime, 24); err != nil {
		t.Fatal(err)
	}

	part.FailWrites(errors.New("program failed"))
	if err := s.Write(KeyCoverUpTime, 30); err == nil {
		t.Fatal("expected write-back failure")
	}
	part.FailWrites(nil)

	if v, _ := s.Read(KeyCoverDownTime); v != NoValue {
		t.Errorf("neighbour slot = %d, want NoValue after interrupted cycle", v)
	}
	if !strings.Contains(buf.String(), "sector left erased") {
		t.Errorf("expected data-loss log, got: %s", buf.String())
	}
}

func TestWrite_EraseFailureLeavesData(t *testing.T) {
	s, part := newTestStore(t)
	if err := s.Write(KeyCoverDownTime, 24); err != nil {
		t.Fatal(err)
	}

	part.FailErases(errors.New("erase timeout"))
	if err := s.Write(KeyCoverUpTime, 30); err == nil {
		t.Fatal("expected erase failure")
	}
	part.FailErases(nil)

	if v, _ := s.Read(KeyCoverDownTime); v != 24 {
		t.Errorf("slot = %d, want 24", v)
	}
}

func TestRead_PartitionErrorNotFound(t *testing.T) {
	s, part := newTestStore(t)
	part.FailReads(errors.New("i/o error"))

	if _, found := s.Read(KeyCoverUpTime); found {
		t.Error("found=true despite read error")
	}
	if got := s.InitWithDefault(KeyCoverUpTime, 25); got != 25 {
		t.Errorf("InitWithDefault = %d, want 25", got)
	}
}

func TestInitWithDefault_DoesNotPersist(t *testing.T) {
	s, part := newTestStore(t)

	if got := s.InitWithDefault(KeyCoverPollingTime, 250); got != 250 {
		t.Errorf("got %d, want 250", got)
	}
	if v, _ := s.Read(KeyCoverPollingTime); v != NoValue {
		t.Errorf("default was persisted: %d", v)
	}
	if part.Erases() != 0 {
		t.Error("InitWithDefault touched flash")
	}

	if err := s.Write(KeyCoverPollingTime, 100); err != nil {
		t.Fatal(err)
	}
	if got := s.InitWithDefault(KeyCoverPollingTime, 250); got != 100 {
		t.Errorf("got %d, want stored 100", got)
	}
}

func TestNew_LayoutTooSmall(t *testing.T) {
	_, err := New(flash.NewMem("config", 64, 32), discardLogger())
	if !errors.Is(err, ErrLayout) {
		t.Errorf("err = %v, want ErrLayout", err)
	}
}

func TestValues(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.Write(KeyNodeMode, 1)

	vals, err := s.Values()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != len(Keys()) {
		t.Errorf("len = %d, want %d", len(vals), len(Keys()))
	}
	if vals[KeyNodeMode] != 1 || vals[KeyCoverOpen] != NoValue {
		t.Errorf("vals = %v", vals)
	}
}

func TestDump(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.Write(KeyCoverUpTime, 30)

	var buf bytes.Buffer
	if err := s.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		`partition "config": 2 sectors of 4096 bytes`,
		"cover_up_time        30",
		"cover_open           unset",
		"000000: ffffffff ffffffff ffffffff 0000001e ffffffff",
		"*",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestDump_ReadFailureAborts(t *testing.T) {
	s, part := newTestStore(t)
	part.FailReads(errors.New("i/o error"))

	if err := s.Dump(io.Discard); err == nil {
		t.Error("expected error")
	}
}

func TestKeys_OrderIsStable(t *testing.T) {
	want := []string{
		"node_mode", "cover_open", "cover_close", "cover_up_time", "cover_down_time",
		"cover_polling_time", "cover_last_position", "dht11_enable", "switch_mode",
		"switch_pulse_time", "switch_last_state",
	}
	got := Keys()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
