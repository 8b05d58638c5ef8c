package lifecycle

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensandbox/vmcore/internal/cloudinit"
	"github.com/opensandbox/vmcore/internal/config"
	"github.com/opensandbox/vmcore/internal/diskmgr"
	"github.com/opensandbox/vmcore/internal/events"
	"github.com/opensandbox/vmcore/internal/pools"
	"github.com/opensandbox/vmcore/internal/procsup"
	"github.com/opensandbox/vmcore/internal/store"
	"github.com/opensandbox/vmcore/internal/vmerr"
	"github.com/opensandbox/vmcore/pkg/types"
)

type fakeShellRunner struct{ calls [][]string }

func (f *fakeShellRunner) Run(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) > 0 && args[0] == "info" {
		return []byte("virtual size: 10 GiB (10737418240 bytes)\n"), nil
	}
	return nil, nil
}

type fakeMonitor struct {
	paused, resumed, shutdown, vmmShutdown bool
	snapshotDest                           string
	failPause, failResume, failSnapshot    bool
}

func (m *fakeMonitor) PauseVM(ctx context.Context) error {
	m.paused = true
	if m.failPause {
		return errors.New("pause failed")
	}
	return nil
}

func (m *fakeMonitor) ResumeVM(ctx context.Context) error {
	m.resumed = true
	if m.failResume {
		return errors.New("resume failed")
	}
	return nil
}

func (m *fakeMonitor) ShutdownVM(ctx context.Context) error  { m.shutdown = true; return nil }
func (m *fakeMonitor) ShutdownVMM(ctx context.Context) error { m.vmmShutdown = true; return nil }

func (m *fakeMonitor) Snapshot(ctx context.Context, dest string) error {
	m.snapshotDest = dest
	if m.failSnapshot {
		return errors.New("snapshot failed")
	}
	return nil
}

type fakeGuestClient struct {
	ip  string
	err error
}

func (g *fakeGuestClient) ReconfigureNetworkWithRetry(ctx context.Context, attempts int, delay time.Duration) (string, error) {
	return g.ip, g.err
}

func instantDial(ctx context.Context, network, address string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	go c2.Close()
	return c1, nil
}

type testHarness struct {
	coord    *Coordinator
	st       *store.Store
	tapPool  *pools.TAPPool
	sshPool  *pools.SSHPortPool
	macAlloc *pools.MACAllocator
	mon      *fakeMonitor
	guest    *fakeGuestClient
	baseDir  string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dataDir := t.TempDir()
	baseImagesDir := t.TempDir()

	baseDir := filepath.Join(baseImagesDir, "ubuntu")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		t.Fatalf("mkdir base dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(baseDir, "image.qcow2"), []byte("base"), 0o644); err != nil {
		t.Fatalf("write base image: %v", err)
	}

	st, err := store.New(dataDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	tapPool := pools.NewTAPPool([]pools.TAPDevice{
		{Name: "tap0", Bridge: "br0", Gateway: "10.0.0.1", GuestIPs: []string{"10.0.0.2"}},
	})
	sshPool := pools.NewSSHPortPool(31000, 31010)
	macAlloc := pools.NewMACAllocator()

	disk := diskmgr.NewWithRunner("qemu-img", &fakeShellRunner{})
	ci := cloudinit.NewWithRunner("genisoimage", &fakeShellRunner{})
	sup := procsup.New("true", "")
	bus := events.NewChannelBus()

	mon := &fakeMonitor{}
	guest := &fakeGuestClient{ip: "10.0.0.42"}

	cfg := &config.Config{
		DataDir:         dataDir,
		BaseImagesDir:   baseImagesDir,
		MonitorBin:      "true",
		DefaultVCPUs:    1,
		DefaultMemoryMiB: 512,
		DefaultDiskGiB:  5,
		BaseImageMinGiB: 10,
	}

	deps := Deps{
		MonitorFactory:  func(string) MonitorClient { return mon },
		GuestCtlFactory: func(string, int) GuestClient { return guest },
		WaitForSocket:   func(string, time.Duration) error { return nil },
		Dial:            instantDial,
	}

	coord := New(cfg, st, tapPool, sshPool, macAlloc, disk, sup, ci, bus, "ssh-ed25519 AAAATEST test@test", deps)

	return &testHarness{coord: coord, st: st, tapPool: tapPool, sshPool: sshPool, macAlloc: macAlloc, mon: mon, guest: guest, baseDir: baseDir}
}

func TestCreateVMAutoStartColdBootReachesRunning(t *testing.T) {
	h := newTestHarness(t)

	rec, err := h.coord.CreateVM(context.Background(), types.CreateConfig{
		Name:      "vm-a",
		BaseImage: "ubuntu",
		Network:   types.NetworkModeTAP,
		AutoStart: true,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if rec.Status != types.StatusRunning {
		t.Fatalf("expected running, got %s (error=%s)", rec.Status, rec.Error)
	}
	if rec.Network.TAPDevice != "tap0" {
		t.Errorf("expected tap0 allocated, got %q", rec.Network.TAPDevice)
	}
	if rec.SSHForwardPort == 0 {
		t.Error("expected an ssh forward port allocated")
	}
	if rec.PID == 0 {
		t.Error("expected a pid recorded")
	}
	if rec.FastBooted {
		t.Error("expected a cold boot, not fast boot, with no warmup snapshot present")
	}
}

func TestCreateVMNameCollision(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "dup", BaseImage: "ubuntu", Network: types.NetworkModeNone}); err != nil {
		t.Fatalf("first CreateVM: %v", err)
	}
	_, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "dup", BaseImage: "ubuntu", Network: types.NetworkModeNone})
	if !errors.Is(err, vmerr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateVMConcurrentNameCollisionAllocatesOnce(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "race", BaseImage: "ubuntu", Network: types.NetworkModeTAP})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, vmerr.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one concurrent create to win the name, got %d", successes)
	}
	if h.tapPool.Health().Available != 0 {
		t.Errorf("expected exactly one tap device allocated, got %d available", h.tapPool.Health().Available)
	}
}

func TestStartVMPreconditionRejectsAlreadyRunning(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rec, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "vm-b", BaseImage: "ubuntu", Network: types.NetworkModeNone, AutoStart: true})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	err = h.coord.StartVM(ctx, rec.ID, false)
	if !errors.Is(err, vmerr.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}

func TestDeleteVMReleasesPoolResources(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rec, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "vm-c", BaseImage: "ubuntu", Network: types.NetworkModeTAP, AutoStart: true})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if h.tapPool.Health().Available != 0 {
		t.Fatalf("expected tap pool exhausted after allocation, got %d available", h.tapPool.Health().Available)
	}

	if err := h.coord.DeleteVM(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if h.tapPool.Health().Available != 1 {
		t.Errorf("expected tap released, got %d available", h.tapPool.Health().Available)
	}
	if _, ok := h.st.Get(rec.ID); ok {
		t.Error("expected record removed from store")
	}
}

func TestDeleteVMIsIdempotentOnMissing(t *testing.T) {
	h := newTestHarness(t)
	if err := h.coord.DeleteVM(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("expected idempotent success, got %v", err)
	}
}

func TestPauseResumeAndSnapshotHappyPath(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rec, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "vm-d", BaseImage: "ubuntu", Network: types.NetworkModeNone, AutoStart: true})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := h.coord.PauseVM(ctx, rec.ID); err != nil {
		t.Fatalf("PauseVM: %v", err)
	}
	if !h.mon.paused {
		t.Error("expected PauseVM called on monitor")
	}

	dest := t.TempDir()
	snapDir := filepath.Join(dest, "snap-1")
	go func() {
		// Simulate the monitor materializing artifacts asynchronously,
		// same as a real snapshot write would.
		time.Sleep(50 * time.Millisecond)
		os.MkdirAll(snapDir, 0o755)
		os.WriteFile(filepath.Join(snapDir, "config.json"), []byte("{}"), 0o644)
		os.WriteFile(filepath.Join(snapDir, "state.json"), []byte("x"), 0o644)
		os.WriteFile(filepath.Join(snapDir, "memory-ranges-0"), []byte("x"), 0o644)
		os.WriteFile(filepath.Join(snapDir, "disk.qcow2"), []byte("x"), 0o644)
	}()
	if err := h.coord.CreateSnapshot(ctx, rec.ID, snapDir); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if h.mon.snapshotDest != "file://"+snapDir {
		t.Errorf("unexpected snapshot destination %q", h.mon.snapshotDest)
	}

	if err := h.coord.ResumeVM(ctx, rec.ID); err != nil {
		t.Fatalf("ResumeVM: %v", err)
	}
	if !h.mon.resumed {
		t.Error("expected ResumeVM called on monitor")
	}
	got, _ := h.st.Get(rec.ID)
	if got.Status != types.StatusRunning {
		t.Errorf("expected running after resume, got %s", got.Status)
	}
}

func TestListAndGetVMHideWarmupTemplates(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.coord.CreateVM(ctx, types.CreateConfig{Name: "visible", BaseImage: "ubuntu", Network: types.NetworkModeNone}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	warmupRec := &types.VmRecord{ID: "warmup-id", Name: types.WarmupNamePrefix + "ubuntu", Status: types.StatusStopped, CreatedAt: time.Now()}
	if err := h.st.Put(warmupRec); err != nil {
		t.Fatalf("seed warmup record: %v", err)
	}

	list := h.coord.ListVMs()
	for _, r := range list {
		if r.IsWarmupTemplate() {
			t.Errorf("expected warmup template excluded from ListVMs, found %s", r.Name)
		}
	}

	if _, err := h.coord.GetVM("warmup-id"); !errors.Is(err, vmerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound getting a warmup template directly, got %v", err)
	}
}

func writeWarmupSnapshotFixture(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir warmup snapshot dir: %v", err)
	}
	config := `{
		"drives": [
			{"drive_id": "rootfs", "path_on_host": "disk.qcow2", "is_root_device": true},
			{"drive_id": "cidata", "path_on_host": "cloudinit.iso"}
		],
		"network-interfaces": [
			{"iface_id": "eth0", "host_dev_name": "tap-warmup", "guest_mac": "aa:aa:aa:aa:aa:aa"}
		],
		"vsock": {"vsock_id": "vsock0", "guest_cid": 3, "uds_path": "vsock.sock"},
		"logger": {"log_path": "console.log"}
	}`
	os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644)
	os.WriteFile(filepath.Join(dir, "state.json"), []byte("opaque"), 0o644)
	os.WriteFile(filepath.Join(dir, "memory-ranges-0"), []byte("opaque"), 0o644)
	os.WriteFile(filepath.Join(dir, "disk.qcow2"), []byte("qcow2-bytes"), 0o644)
}

func TestCreateVMFastBootsWhenWarmupSnapshotComplete(t *testing.T) {
	h := newTestHarness(t)
	writeWarmupSnapshotFixture(t, filepath.Join(h.baseDir, "warmup-snapshot"))

	rec, err := h.coord.CreateVM(context.Background(), types.CreateConfig{
		Name:      "vm-e",
		BaseImage: "ubuntu",
		Network:   types.NetworkModeTAP,
		AutoStart: true,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if !rec.FastBooted {
		t.Error("expected fast boot given a complete warmup snapshot")
	}
	if rec.Network.GuestIP != "10.0.0.42" {
		t.Errorf("expected guest ip from post-restore reconfigure, got %q", rec.Network.GuestIP)
	}
	if rec.Status != types.StatusRunning {
		t.Errorf("expected running, got %s (error=%s)", rec.Status, rec.Error)
	}
}
