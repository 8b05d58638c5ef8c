// Package store persists VmRecords to one directory per VM and rebuilds
// the in-memory record set on startup. Writes are whole-file and atomic,
// grounded on the temp-file-plus-fsync-plus-rename pattern used elsewhere
// in the corpus for crash-safe configuration writes.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/opensandbox/vmcore/internal/vmerr"
	"github.com/opensandbox/vmcore/pkg/types"
)

const stateFileName = "state.json"

// Store manages the on-disk <data_dir>/<vm_id>/state.json layout.
type Store struct {
	dataDir string

	mu      sync.Mutex
	records map[string]*types.VmRecord

	// rootLock is an advisory cross-process lock over dataDir, taken for
	// the duration of Reload so a second orchestrator process
	// accidentally pointed at the same directory does not race a
	// directory scan.
	rootLock *flock.Flock
}

// New constructs a Store rooted at dataDir. dataDir is created if absent.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir data dir: %w", err)
	}
	return &Store{
		dataDir:  dataDir,
		records:  make(map[string]*types.VmRecord),
		rootLock: flock.New(filepath.Join(dataDir, ".vmcore.lock")),
	}, nil
}

func (s *Store) vmDir(id string) string { return filepath.Join(s.dataDir, id) }

// DataDir returns the store's data root.
func (s *Store) DataDir() string { return s.dataDir }

// VMDir returns the per-VM directory for id, creating it if absent.
func (s *Store) VMDir(id string) (string, error) {
	dir := s.vmDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: mkdir vm dir: %w", err)
	}
	return dir, nil
}

// Get returns the in-memory record for id.
func (s *Store) Get(id string) (*types.VmRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// List returns every in-memory record, including warmup templates — the
// caller (internal/lifecycle) is responsible for filtering those out of
// the public listing per spec.md I4.
func (s *Store) List() []*types.VmRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.VmRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// Put writes rec to disk atomically and updates the in-memory set.
func (s *Store) Put(rec *types.VmRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.VMDir(rec.ID)
	if err != nil {
		return err
	}
	if err := atomicWriteJSON(filepath.Join(dir, stateFileName), rec); err != nil {
		return fmt.Errorf("store: write state for %s: %w", rec.ID, err)
	}
	s.records[rec.ID] = rec
	return nil
}

// Delete removes the in-memory record and its on-disk directory. Deleting
// a nonexistent id is a no-op success, matching spec.md §7's idempotent
// delete.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	if err := os.RemoveAll(s.vmDir(id)); err != nil {
		return fmt.Errorf("store: remove vm dir %s: %w", id, err)
	}
	return nil
}

// Reload scans dataDir for per-VM subdirectories, parses each state.json,
// and rebuilds the in-memory record set. A record whose file fails to
// parse is logged and skipped (vmerr.ErrCorruption), never fatal.
func (s *Store) Reload() error {
	if err := s.rootLock.Lock(); err != nil {
		return fmt.Errorf("store: lock data root: %w", err)
	}
	defer s.rootLock.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("store: read data dir: %w", err)
	}

	records := make(map[string]*types.VmRecord)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.dataDir, e.Name(), stateFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("store: skip %s: %v: %v", e.Name(), vmerr.ErrCorruption, err)
			}
			continue
		}
		var rec types.VmRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Printf("store: skip %s: %v: %v", e.Name(), vmerr.ErrCorruption, err)
			continue
		}
		records[rec.ID] = &rec
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

// atomicWriteJSON marshals v and writes it to path via a temp file plus
// fsync plus rename, so a crash mid-write never leaves a partial or
// corrupt state.json behind.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return syncParentDir(dir)
}

// syncParentDir fsyncs a directory so the rename above is itself durable.
// Any error opening or syncing the directory is ignored (some filesystems
// return EINVAL/ENOTSUP for directory fsync); it always returns nil.
func syncParentDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		if os.IsPermission(err) {
			return nil
		}
		return nil
	}
	return nil
}
