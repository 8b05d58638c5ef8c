package warmup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensandbox/vmcore/internal/events"
	"github.com/opensandbox/vmcore/internal/store"
	"github.com/opensandbox/vmcore/pkg/types"
)

type fakeCoordinator struct {
	created   []types.CreateConfig
	started   []string
	paused    []string
	deleted   []string
	st        *store.Store
	vmDir     string
	failStart bool
}

func (f *fakeCoordinator) CreateVM(ctx context.Context, cfg types.CreateConfig) (*types.VmRecord, error) {
	f.created = append(f.created, cfg)
	rec := &types.VmRecord{
		ID:            "warmup-vm-id",
		Name:          cfg.Name,
		Status:        types.StatusCreating,
		BaseImage:     cfg.BaseImage,
		APISocketPath: filepath.Join(f.vmDir, "api.sock"),
	}
	if err := f.st.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *fakeCoordinator) StartVM(ctx context.Context, id string, skipReachability bool) error {
	f.started = append(f.started, id)
	if f.failStart {
		return context.DeadlineExceeded
	}
	rec, _ := f.st.Get(id)
	rec.Status = types.StatusRunning
	return f.st.Put(rec)
}

func (f *fakeCoordinator) PauseVM(ctx context.Context, id string) error {
	f.paused = append(f.paused, id)
	rec, _ := f.st.Get(id)
	rec.Status = types.StatusPaused
	return f.st.Put(rec)
}

func (f *fakeCoordinator) DeleteVM(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.st.Delete(id)
}

type fakeMonitor struct {
	snapshotDest string
	writeFiles   bool
}

func (m *fakeMonitor) Snapshot(ctx context.Context, destinationURL string) error {
	m.snapshotDest = destinationURL
	if !m.writeFiles {
		return nil
	}
	dir := destinationURL[len("file://"):]
	os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(dir, "state.json"), []byte("opaque"), 0o644)
	os.WriteFile(filepath.Join(dir, "memory-ranges-0"), []byte("opaque"), 0o644)
	return nil
}

func setupEngine(t *testing.T, writeSnapshotFiles bool) (*Engine, *fakeCoordinator, string) {
	t.Helper()
	dataDir := t.TempDir()
	baseImagesDir := t.TempDir()

	st, err := store.New(dataDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	vmDir := filepath.Join(dataDir, "warmup-vm-id")
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		t.Fatalf("mkdir vmdir: %v", err)
	}

	consolePath := filepath.Join(vmDir, "console.log")
	if err := os.WriteFile(consolePath, []byte("Ubuntu 24.04 LTS myhost ttyS0\n\nmyhost login: "), 0o644); err != nil {
		t.Fatalf("write console log: %v", err)
	}

	overlayPath := filepath.Join(vmDir, "disk.qcow2")
	if err := os.WriteFile(overlayPath, []byte("qcow2-bytes"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	coord := &fakeCoordinator{st: st, vmDir: vmDir}
	fm := &fakeMonitor{writeFiles: writeSnapshotFiles}

	engine := New(coord, st, baseImagesDir, Config{VCPUs: 1, MemoryMiB: 512, DiskGiB: 5, MarkerTimeout: 3 * time.Second}, events.NewChannelBus(),
		func(string) monitorClient { return fm })

	return engine, coord, baseImagesDir
}

func TestRunCompletesOnFullArtifactSet(t *testing.T) {
	engine, coord, baseImagesDir := setupEngine(t, true)

	err := engine.Run(context.Background(), "ubuntu-24.04")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if engine.State("ubuntu-24.04") != StateComplete {
		t.Errorf("expected complete state, got %s", engine.State("ubuntu-24.04"))
	}
	if len(coord.deleted) != 1 {
		t.Errorf("expected warmup VM deleted, got %v", coord.deleted)
	}

	warmupDir := filepath.Join(baseImagesDir, "ubuntu-24.04", "warmup-snapshot")
	desc := types.SnapshotDescriptor{Dir: warmupDir}
	if !desc.Complete() {
		t.Error("expected complete snapshot descriptor")
	}
	if _, err := os.Stat(filepath.Join(warmupDir, "disk.qcow2")); err != nil {
		t.Errorf("expected overlay copied into warmup dir: %v", err)
	}
}

func TestRunFailsWhenSnapshotArtifactsIncomplete(t *testing.T) {
	engine, _, _ := setupEngine(t, false)

	err := engine.Run(context.Background(), "ubuntu-24.04")
	if err == nil {
		t.Fatal("expected error from incomplete snapshot")
	}
	if engine.State("ubuntu-24.04") != StateError {
		t.Errorf("expected error state, got %s", engine.State("ubuntu-24.04"))
	}
}

func TestRunDeletesPriorWarmupVM(t *testing.T) {
	engine, coord, _ := setupEngine(t, true)

	prior := &types.VmRecord{ID: "stale-id", Name: types.WarmupNamePrefix + "ubuntu-24.04"}
	if err := coord.st.Put(prior); err != nil {
		t.Fatalf("seed prior record: %v", err)
	}

	if err := engine.Run(context.Background(), "ubuntu-24.04"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, id := range coord.deleted {
		if id == "stale-id" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected prior warmup VM %q deleted, got %v", "stale-id", coord.deleted)
	}
}
