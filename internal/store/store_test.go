package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensandbox/vmcore/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	rec := &types.VmRecord{ID: "vm-1", Name: "a", Status: types.StatusCreating, CreatedAt: time.Now()}

	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Get("vm-1")
	if !ok {
		t.Fatal("expected record to be present after Put")
	}
	if got.Name != "a" {
		t.Errorf("expected name a, got %s", got.Name)
	}

	path := filepath.Join(s.DataDir(), "vm-1", "state.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected state.json to exist on disk: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected no leftover .tmp file after atomic rename")
	}
}

func TestReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &types.VmRecord{ID: "vm-1", Name: "a", Status: types.StatusRunning, CreatedAt: time.Now().Truncate(time.Second)}
	if err := s1.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("New (second store): %v", err)
	}
	if err := s2.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got, ok := s2.Get("vm-1")
	if !ok {
		t.Fatal("expected record to survive reload")
	}
	if got.Name != rec.Name || got.Status != rec.Status {
		t.Errorf("expected reload to byte-round-trip record, got %+v want %+v", got, rec)
	}
}

func TestReloadSkipsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	good := &types.VmRecord{ID: "vm-good", Name: "good", Status: types.StatusStopped, CreatedAt: time.Now()}
	if err := s.Put(good); err != nil {
		t.Fatalf("Put: %v", err)
	}

	badDir := filepath.Join(dir, "vm-bad")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "state.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload should not fail on a corrupt record: %v", err)
	}
	if _, ok := s.Get("vm-good"); !ok {
		t.Error("expected good record to survive reload alongside corrupt one")
	}
	if _, ok := s.Get("vm-bad"); ok {
		t.Error("expected corrupt record to be skipped, not loaded")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("does-not-exist"); err != nil {
		t.Errorf("deleting a nonexistent id should succeed, got %v", err)
	}

	rec := &types.VmRecord{ID: "vm-1", Name: "a", Status: types.StatusStopped, CreatedAt: time.Now()}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete("vm-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("vm-1"); ok {
		t.Error("expected record gone after Delete")
	}
	if err := s.Delete("vm-1"); err != nil {
		t.Errorf("second delete should still succeed, got %v", err)
	}
}
