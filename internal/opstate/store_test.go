package opstate

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("node", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set("node", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	val, err := s.Get("node", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestDeleteMissing(t *testing.T) {
	s := testStore(t)

	if err := s.Delete("ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	if err := s.Set("node", "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("other", "a", "2"); err != nil {
		t.Fatal(err)
	}

	if v, _ := s.Get("node", "a"); v != "1" {
		t.Errorf("Get(node, a) = %q, want 1", v)
	}
	if v, _ := s.Get("other", "a"); v != "2" {
		t.Errorf("Get(other, a) = %q, want 2", v)
	}
}

func TestRecordBoot_Increments(t *testing.T) {
	s := testStore(t)

	for want := int64(1); want <= 3; want++ {
		got, err := s.RecordBoot()
		if err != nil {
			t.Fatalf("RecordBoot: %v", err)
		}
		if got != want {
			t.Errorf("RecordBoot = %d, want %d", got, want)
		}
	}

	raw, err := s.Get(NamespaceNode, KeyBoots)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "3" {
		t.Errorf("stored boots = %q, want 3", raw)
	}
}

func TestRecordBoot_Concurrent(t *testing.T) {
	s := testStore(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordBoot(); err != nil {
				t.Errorf("RecordBoot: %v", err)
			}
		}()
	}
	wg.Wait()

	if raw, _ := s.Get(NamespaceNode, KeyBoots); raw != "8" {
		t.Errorf("stored boots = %q, want 8", raw)
	}
}

func TestRestartReason_TakeClears(t *testing.T) {
	s := testStore(t)
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	if err := s.SetRestartReason(ReasonCommand, at); err != nil {
		t.Fatal(err)
	}

	reason, got, err := s.TakeRestartReason()
	if err != nil {
		t.Fatal(err)
	}
	if reason != ReasonCommand || !got.Equal(at) {
		t.Errorf("TakeRestartReason = %q %v", reason, got)
	}

	reason, _, err = s.TakeRestartReason()
	if err != nil {
		t.Fatal(err)
	}
	if reason != "" {
		t.Errorf("second take = %q, want empty", reason)
	}
}

func TestMarkConnected(t *testing.T) {
	s := testStore(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.MarkConnected(at); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(NamespaceNode, KeyLastConnected)
	if got != "2026-01-02T03:04:05Z" {
		t.Errorf("last_connected = %q", got)
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if _, err := s1.RecordBoot(); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	boots, err := s2.RecordBoot()
	if err != nil {
		t.Fatal(err)
	}
	if boots != 2 {
		t.Errorf("boots after reopen = %d, want 2", boots)
	}
}

func TestNewStore_InvalidPath_NoDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "db.sqlite")
	_ = os.RemoveAll(filepath.Dir(filepath.Dir(dbPath)))

	_, err := NewStore(dbPath)
	if err == nil {
		t.Error("NewStore() should fail when parent directory doesn't exist")
	}
}
