// Package lifecycle is the orchestrator's public contract: create, start,
// stop, pause, resume, snapshot, and delete VMs, plus startup
// reconciliation. It wires together every other internal package —
// resource pools, the persistent store, the process supervisor, the
// control-API client, the cloud-init seed builder, the disk manager, the
// warmup engine's fast-boot consumer side, the fast-boot restorer, the
// vsock guest client, the event bus, and metrics. Grounded on
// internal/firecracker/manager.go's Manager (create/get/kill/list over a
// concurrent map), restructured around this spec's richer state machine,
// per-VM serialization, and event emission (§4.J, §5).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/vmcore/internal/cloudinit"
	"github.com/opensandbox/vmcore/internal/config"
	"github.com/opensandbox/vmcore/internal/diskmgr"
	"github.com/opensandbox/vmcore/internal/events"
	"github.com/opensandbox/vmcore/internal/guestctl"
	"github.com/opensandbox/vmcore/internal/metrics"
	"github.com/opensandbox/vmcore/internal/monitorapi"
	"github.com/opensandbox/vmcore/internal/pools"
	"github.com/opensandbox/vmcore/internal/procsup"
	"github.com/opensandbox/vmcore/internal/restore"
	"github.com/opensandbox/vmcore/internal/store"
	"github.com/opensandbox/vmcore/internal/vmerr"
	"github.com/opensandbox/vmcore/pkg/types"
)

// Timeouts per spec.md §5.
const (
	apiSocketNormalTimeout   = 60 * time.Second
	apiSocketSnapshotTimeout = 30 * time.Second
	reachabilityTimeout      = 120 * time.Second
	reachabilityPoll         = 2 * time.Second
	snapshotMaterializeWait  = 30 * time.Second
	terminateGraceShutdown   = 5 * time.Second
	terminateGraceForce      = 3 * time.Second
	guestReconfigureAttempts = 10
	guestReconfigureDelay    = time.Second
)

// MonitorClient is the slice of monitorapi.Client the coordinator drives
// directly (pause/resume/snapshot/shutdown — not creation, which goes
// through internal/restore for the fast-boot path).
type MonitorClient interface {
	PauseVM(ctx context.Context) error
	ResumeVM(ctx context.Context) error
	ShutdownVM(ctx context.Context) error
	ShutdownVMM(ctx context.Context) error
	Snapshot(ctx context.Context, destinationURL string) error
}

// GuestClient is the slice of guestctl.Client the coordinator needs for
// restored VMs.
type GuestClient interface {
	ReconfigureNetworkWithRetry(ctx context.Context, attempts int, delay time.Duration) (string, error)
}

// Deps lets tests stub out the monitor, the vsock bridge, and TCP dialing
// without a real monitor binary or network.
type Deps struct {
	MonitorFactory  func(socketPath string) MonitorClient
	GuestCtlFactory func(udsPath string, port int) GuestClient
	Dial            func(ctx context.Context, network, address string) (net.Conn, error)
	WaitForSocket   func(path string, timeout time.Duration) error
}

func (d Deps) withDefaults() Deps {
	if d.MonitorFactory == nil {
		d.MonitorFactory = func(socketPath string) MonitorClient { return monitorapi.New(socketPath) }
	}
	if d.GuestCtlFactory == nil {
		d.GuestCtlFactory = func(udsPath string, port int) GuestClient { return guestctl.New(udsPath, port) }
	}
	if d.Dial == nil {
		d.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, address)
		}
	}
	if d.WaitForSocket == nil {
		d.WaitForSocket = monitorapi.WaitForSocket
	}
	return d
}

// Coordinator implements the public VM lifecycle contract.
type Coordinator struct {
	cfg           *config.Config
	store         *store.Store
	tapPool       *pools.TAPPool
	sshPool       *pools.SSHPortPool
	macAlloc      *pools.MACAllocator
	disk          *diskmgr.Manager
	supervisor    *procsup.Supervisor
	cloudinit     *cloudinit.Builder
	bus           events.Bus
	baseImagesDir string
	sshPubKey     string
	deps          Deps

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	// createMu serializes resource-pool allocation and record mutation
	// across all VMs (spec.md §5): the name-uniqueness scan, the three
	// pool allocations, and the initial store.Put in CreateVM must run
	// as one atomic step, not three independently-locked pools racing
	// each other.
	createMu sync.Mutex
}

// New constructs a Coordinator. deps is zero-valued in production use;
// tests override MonitorFactory/GuestCtlFactory/Dial to avoid spawning a
// real monitor binary.
func New(
	cfg *config.Config,
	st *store.Store,
	tapPool *pools.TAPPool,
	sshPool *pools.SSHPortPool,
	macAlloc *pools.MACAllocator,
	disk *diskmgr.Manager,
	sup *procsup.Supervisor,
	ci *cloudinit.Builder,
	bus events.Bus,
	sshPubKey string,
	deps Deps,
) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		store:         st,
		tapPool:       tapPool,
		sshPool:       sshPool,
		macAlloc:      macAlloc,
		disk:          disk,
		supervisor:    sup,
		cloudinit:     ci,
		bus:           bus,
		baseImagesDir: cfg.BaseImagesDir,
		sshPubKey:     sshPubKey,
		deps:          deps.withDefaults(),
		locks:         make(map[string]*sync.Mutex),
		cancels:       make(map[string]context.CancelFunc),
	}
}

func (c *Coordinator) baseImage(name string) types.BaseImage {
	return types.BaseImage{Name: name, Dir: filepath.Join(c.baseImagesDir, name)}
}

func (c *Coordinator) emit(kind events.Kind, vmID, detail string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, VMID: vmID, Detail: detail})
}

func (c *Coordinator) lockVM(id string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// registerCancel lets DeleteVM preempt an in-flight StartVM on the same
// id (spec.md §5 cancellation).
func (c *Coordinator) registerCancel(id string, cancel context.CancelFunc) {
	c.locksMu.Lock()
	c.cancels[id] = cancel
	c.locksMu.Unlock()
}

func (c *Coordinator) unregisterCancel(id string) {
	c.locksMu.Lock()
	delete(c.cancels, id)
	c.locksMu.Unlock()
}

func (c *Coordinator) signalCancel(id string) {
	c.locksMu.Lock()
	cancel := c.cancels[id]
	c.locksMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// allocateAndPersist runs the name-uniqueness check, pool allocation, and
// the initial store.Put under a single coarse lock, so two concurrent
// CreateVM calls for the same name can't both pass the uniqueness check
// before either persists (spec.md §5).
func (c *Coordinator) allocateAndPersist(cfg types.CreateConfig) (*types.VmRecord, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	for _, r := range c.store.List() {
		if r.Name == cfg.Name {
			return nil, fmt.Errorf("lifecycle: create %q: name in use: %w", cfg.Name, vmerr.ErrConflict)
		}
	}

	resources := cfg.Resources
	if resources.VCPUs == 0 {
		resources.VCPUs = c.cfg.DefaultVCPUs
	}
	if resources.MemoryMiB == 0 {
		resources.MemoryMiB = c.cfg.DefaultMemoryMiB
	}
	if resources.DiskGiB == 0 {
		resources.DiskGiB = c.cfg.DefaultDiskGiB
	}

	id := uuid.NewString()
	rec := &types.VmRecord{
		ID:           id,
		Name:         cfg.Name,
		Status:       types.StatusCreating,
		BaseImage:    cfg.BaseImage,
		Resources:    resources,
		Network:      types.Network{Mode: cfg.Network},
		PortMappings: cfg.PortMappings,
		Volumes:      cfg.Volumes,
		CreatedAt:    time.Now(),
	}

	if cfg.Network == types.NetworkModeTAP {
		alloc, err := c.tapPool.Allocate(id)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: create %s: %w", id, err)
		}
		rec.Network.TAPDevice = alloc.TAP
		rec.Network.Bridge = alloc.Bridge
		rec.Network.Gateway = alloc.Gateway
		rec.Network.GuestIP = alloc.GuestIP
	}

	port, err := c.sshPool.Allocate(id)
	if err != nil {
		c.tapPool.Release(id)
		return nil, fmt.Errorf("lifecycle: create %s: %w", id, err)
	}
	rec.SSHForwardPort = port
	rec.Network.MAC = c.macAlloc.Allocate(id)

	if err := c.store.Put(rec); err != nil {
		c.releaseResources(id)
		return nil, fmt.Errorf("lifecycle: persist creating record for %s: %w", id, err)
	}
	return rec, nil
}

// CreateVM allocates resources, persists a creating record, and (if
// cfg.AutoStart) runs it through StartVM.
func (c *Coordinator) CreateVM(ctx context.Context, cfg types.CreateConfig) (*types.VmRecord, error) {
	rec, err := c.allocateAndPersist(cfg)
	if err != nil {
		return nil, err
	}
	id := rec.ID
	c.emit(events.KindCreated, id, cfg.Name)

	if !cfg.AutoStart {
		return rec, nil
	}

	if err := c.StartVM(ctx, id, false); err != nil {
		rec, _ = c.store.Get(id)
		return rec, err
	}
	rec, _ = c.store.Get(id)
	return rec, nil
}

func (c *Coordinator) releaseResources(id string) {
	c.tapPool.Release(id)
	c.sshPool.Release(id)
	c.macAlloc.Release(id)
}

// StartVM boots a VM that is stopped, freshly created, or in error.
// skipReachability is set by the warmup engine, which has its own
// console-marker readiness check and doesn't need the SSH probe.
func (c *Coordinator) StartVM(ctx context.Context, id string, skipReachability bool) error {
	unlock := c.lockVM(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: start %s: %w", id, vmerr.ErrNotFound)
	}
	switch rec.Status {
	case types.StatusStopped, types.StatusCreating, types.StatusError:
	default:
		return fmt.Errorf("lifecycle: start %s: VM is %s: %w", id, rec.Status, vmerr.ErrPrecondition)
	}

	startCtx, cancel := context.WithCancel(ctx)
	c.registerCancel(id, cancel)
	defer c.unregisterCancel(id)
	defer cancel()

	vmDir, err := c.store.VMDir(id)
	if err != nil {
		return fmt.Errorf("lifecycle: start %s: %w", id, err)
	}

	rec.Status = types.StatusBooting
	rec.Error = ""
	if err := c.store.Put(rec); err != nil {
		return fmt.Errorf("lifecycle: start %s: %w", id, err)
	}
	c.emit(events.KindBooting, id, "")

	base := c.baseImage(rec.BaseImage)
	overlayPath := filepath.Join(vmDir, "disk.qcow2")
	_, overlayErr := os.Stat(overlayPath)
	overlayExists := overlayErr == nil

	warmupDescriptor := types.SnapshotDescriptor{Dir: base.WarmupSnapshotDir()}
	pid, fastBooted, guestIP, err := c.bootWorker(startCtx, rec, base, vmDir, overlayPath, overlayExists, warmupDescriptor)
	if err != nil {
		return c.failStart(rec, err)
	}

	rec.PID = pid
	rec.APISocketPath = filepath.Join(vmDir, "api.sock")
	rec.FastBooted = fastBooted
	if guestIP != "" {
		rec.Network.GuestIP = guestIP
	}

	if startCtx.Err() != nil {
		return startCtx.Err()
	}

	if skipReachability {
		return c.markRunning(rec)
	}

	if err := c.probeReachability(startCtx, rec); err != nil {
		rec.Status = types.StatusError
		rec.Error = err.Error()
		_ = c.store.Put(rec)
		c.emit(events.KindError, id, err.Error())
		return err
	}

	return c.markRunning(rec)
}

func (c *Coordinator) markRunning(rec *types.VmRecord) error {
	now := time.Now()
	rec.Status = types.StatusRunning
	rec.StartedAt = &now
	if err := c.store.Put(rec); err != nil {
		return fmt.Errorf("lifecycle: persist running record for %s: %w", rec.ID, err)
	}
	c.emit(events.KindStarted, rec.ID, "")
	return nil
}

func (c *Coordinator) failStart(rec *types.VmRecord, err error) error {
	rec.Status = types.StatusError
	rec.Error = err.Error()
	_ = c.store.Put(rec)
	c.emit(events.KindError, rec.ID, err.Error())
	return err
}

// bootWorker spawns the monitor process, either via the fast-boot
// restorer (first start, no overlay yet, complete warmup snapshot) or an
// ordinary cold boot, and returns its pid plus whatever guest_ip the
// restorer's vsock reconfigure round obtained.
func (c *Coordinator) bootWorker(ctx context.Context, rec *types.VmRecord, base types.BaseImage, vmDir, overlayPath string, overlayExists bool, warmupDescriptor types.SnapshotDescriptor) (pid int, fastBooted bool, guestIP string, err error) {
	if !overlayExists && warmupDescriptor.Complete() {
		result, restoreErr := restore.Execute(ctx, restore.Deps{
			Disk:          c.disk,
			Supervisor:    c.supervisor,
			WaitForSocket: c.deps.WaitForSocket,
			NewMonitor:    func(socketPath string) restore.MonitorClient { return c.deps.MonitorFactory(socketPath) },
			NewGuestCtl:   func(udsPath string, port int) restore.GuestClient { return c.deps.GuestCtlFactory(udsPath, port) },
		}, restore.Params{
			VMID:                     rec.ID,
			VMDir:                    vmDir,
			WarmupSnapshotDir:        warmupDescriptor.Dir,
			NewTAPDevice:             rec.Network.TAPDevice,
			NewGuestMAC:              rec.Network.MAC,
			APISocketPath:            filepath.Join(vmDir, "api.sock"),
			VsockSocketPath:          filepath.Join(vmDir, "vsock.sock"),
			ConsolePath:              filepath.Join(vmDir, "console.log"),
			GuestAgentPort:           cloudinit.AgentVsockPort,
			SocketWaitTimeout:        apiSocketSnapshotTimeout,
			GuestReconfigureAttempts: guestReconfigureAttempts,
			GuestReconfigureDelay:    guestReconfigureDelay,
		})
		if result.Pid != 0 {
			pid = result.Pid
			fastBooted = true
			guestIP = result.GuestIP
		}
		if restoreErr != nil {
			if errors.Is(restoreErr, vmerr.ErrTransient) {
				log.Printf("lifecycle: %s: guest network reconfigure after restore: %v", rec.ID, restoreErr)
				return pid, fastBooted, guestIP, nil
			}
			return 0, false, "", restoreErr
		}
		return pid, fastBooted, guestIP, nil
	}

	if !overlayExists {
		if err := c.disk.EnsureBaseMinimumSize(base.ImagePath(), c.cfg.BaseImageMinGiB); err != nil {
			return 0, false, "", fmt.Errorf("lifecycle: %s: %w", rec.ID, err)
		}
		if err := c.disk.CreateOverlay(base.ImagePath(), overlayPath, rec.Resources.DiskGiB); err != nil {
			return 0, false, "", fmt.Errorf("lifecycle: %s: %w", rec.ID, err)
		}
	}

	isoPath, err := c.cloudinit.Build(vmDir, cloudinit.Seed{
		VMID:       rec.ID,
		VMName:     rec.Name,
		SSHPubKey:  c.sshPubKey,
		MACAddress: rec.Network.MAC,
	})
	if err != nil {
		return 0, false, "", fmt.Errorf("lifecycle: %s: build cloud-init seed: %w", rec.ID, err)
	}

	argv := buildColdBootArgv(coldBootArgsFromRecord(rec, base, vmDir, overlayPath, isoPath))
	process, err := c.supervisor.Spawn(argv, filepath.Join(vmDir, "vm.log"), true)
	if err != nil {
		return 0, false, "", fmt.Errorf("lifecycle: %s: spawn monitor: %w: %w", rec.ID, err, vmerr.ErrMonitorFailure)
	}

	if err := c.deps.WaitForSocket(filepath.Join(vmDir, "api.sock"), apiSocketNormalTimeout); err != nil {
		_ = procsup.Terminate(process.Pid, terminateGraceForce)
		return 0, false, "", err
	}

	return process.Pid, false, "", nil
}

// probeReachability polls the VM's chosen access path until a TCP
// connection succeeds or the timeout elapses (spec.md §4.J).
func (c *Coordinator) probeReachability(ctx context.Context, rec *types.VmRecord) error {
	addr := fmt.Sprintf("127.0.0.1:%d", rec.SSHForwardPort)
	if rec.Network.Mode == types.NetworkModeTAP && rec.Network.GuestIP != "" {
		addr = net.JoinHostPort(rec.Network.GuestIP, "22")
	}

	deadline := time.Now().Add(reachabilityTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, reachabilityPoll)
		conn, err := c.deps.Dial(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reachabilityPoll):
		}
	}
	return fmt.Errorf("lifecycle: reachability probe to %s: %w", addr, vmerr.ErrGuestTimeout)
}

// StopVM shuts a running or booting VM down. A monitor that doesn't
// respond to the polite shutdown call is force-killed; either way the
// record still transitions to stopped (spec.md §4.J, §7).
func (c *Coordinator) StopVM(ctx context.Context, id string) error {
	unlock := c.lockVM(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: stop %s: %w", id, vmerr.ErrNotFound)
	}
	if rec.Status != types.StatusRunning && rec.Status != types.StatusBooting {
		return fmt.Errorf("lifecycle: stop %s: VM is %s: %w", id, rec.Status, vmerr.ErrPrecondition)
	}

	if rec.APISocketPath != "" {
		mc := c.deps.MonitorFactory(rec.APISocketPath)
		if err := mc.ShutdownVM(ctx); err != nil {
			log.Printf("lifecycle: %s: polite shutdown failed, will force-kill: %v", id, err)
		}
	}

	if rec.PID != 0 {
		deadline := time.Now().Add(terminateGraceShutdown)
		for time.Now().Before(deadline) && procsup.IsAlive(rec.PID) {
			time.Sleep(100 * time.Millisecond)
		}
		if procsup.IsAlive(rec.PID) {
			if err := procsup.Terminate(rec.PID, terminateGraceForce); err != nil {
				return fmt.Errorf("lifecycle: stop %s: %w", id, err)
			}
		}
	}

	now := time.Now()
	rec.Status = types.StatusStopped
	rec.StoppedAt = &now
	rec.PID = 0
	rec.APISocketPath = ""
	if err := c.store.Put(rec); err != nil {
		return fmt.Errorf("lifecycle: stop %s: %w", id, err)
	}
	c.emit(events.KindStopped, id, "")
	return nil
}

// PauseVM pauses a running VM's vCPUs via the control API.
func (c *Coordinator) PauseVM(ctx context.Context, id string) error {
	unlock := c.lockVM(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: pause %s: %w", id, vmerr.ErrNotFound)
	}
	if rec.Status != types.StatusRunning {
		return fmt.Errorf("lifecycle: pause %s: VM is %s: %w", id, rec.Status, vmerr.ErrPrecondition)
	}

	mc := c.deps.MonitorFactory(rec.APISocketPath)
	if err := mc.PauseVM(ctx); err != nil {
		return fmt.Errorf("lifecycle: pause %s: %w", id, err)
	}

	rec.Status = types.StatusPaused
	if err := c.store.Put(rec); err != nil {
		return fmt.Errorf("lifecycle: pause %s: %w", id, err)
	}
	c.emit(events.KindPaused, id, "")
	return nil
}

// ResumeVM resumes a paused VM's vCPUs.
func (c *Coordinator) ResumeVM(ctx context.Context, id string) error {
	unlock := c.lockVM(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: resume %s: %w", id, vmerr.ErrNotFound)
	}
	if rec.Status != types.StatusPaused {
		return fmt.Errorf("lifecycle: resume %s: VM is %s: %w", id, rec.Status, vmerr.ErrPrecondition)
	}

	mc := c.deps.MonitorFactory(rec.APISocketPath)
	if err := mc.ResumeVM(ctx); err != nil {
		return fmt.Errorf("lifecycle: resume %s: %w", id, err)
	}

	rec.Status = types.StatusRunning
	if err := c.store.Put(rec); err != nil {
		return fmt.Errorf("lifecycle: resume %s: %w", id, err)
	}
	c.emit(events.KindStarted, id, "resumed")
	return nil
}

// CreateSnapshot asks the monitor to snapshot a paused VM to dest and
// waits for the four artifact kinds to materialize on disk.
func (c *Coordinator) CreateSnapshot(ctx context.Context, id, dest string) error {
	unlock := c.lockVM(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: snapshot %s: %w", id, vmerr.ErrNotFound)
	}
	if rec.Status != types.StatusPaused {
		return fmt.Errorf("lifecycle: snapshot %s: VM is %s: %w", id, rec.Status, vmerr.ErrPrecondition)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("lifecycle: snapshot %s: mkdir dest: %w", id, err)
	}

	mc := c.deps.MonitorFactory(rec.APISocketPath)
	if err := mc.Snapshot(ctx, "file://"+dest); err != nil {
		return fmt.Errorf("lifecycle: snapshot %s: %w", id, err)
	}

	descriptor := types.SnapshotDescriptor{Dir: dest}
	deadline := time.Now().Add(snapshotMaterializeWait)
	for time.Now().Before(deadline) {
		if descriptor.Complete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("lifecycle: snapshot %s: artifacts incomplete after %v: %w", id, snapshotMaterializeWait, vmerr.ErrMonitorFailure)
}

// DeleteVM stops a running VM if needed, releases its resources, and
// removes its record. Deleting an unknown id succeeds (spec.md §7).
func (c *Coordinator) DeleteVM(ctx context.Context, id string) error {
	c.signalCancel(id)

	unlock := c.lockVM(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return nil
	}

	if rec.PID != 0 && procsup.IsAlive(rec.PID) {
		if rec.APISocketPath != "" {
			mc := c.deps.MonitorFactory(rec.APISocketPath)
			if err := mc.ShutdownVMM(ctx); err != nil {
				log.Printf("lifecycle: %s: vmm shutdown during delete failed, force-killing: %v", id, err)
			}
		}
		_ = procsup.Terminate(rec.PID, terminateGraceForce)
	}

	c.releaseResources(id)

	if err := c.store.Delete(id); err != nil {
		return fmt.Errorf("lifecycle: delete %s: %w", id, err)
	}
	c.emit(events.KindDeleted, id, "")
	return nil
}

// ListVMs returns every record except warmup template VMs (invariant I4).
func (c *Coordinator) ListVMs() []*types.VmRecord {
	all := c.store.List()
	out := make([]*types.VmRecord, 0, len(all))
	for _, r := range all {
		if r.IsWarmupTemplate() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// GetVM returns one record, hiding warmup template VMs the same way
// ListVMs does.
func (c *Coordinator) GetVM(id string) (*types.VmRecord, error) {
	rec, ok := c.store.Get(id)
	if !ok || rec.IsWarmupTemplate() {
		return nil, fmt.Errorf("lifecycle: get %s: %w", id, vmerr.ErrNotFound)
	}
	return rec, nil
}

// RefreshPoolMetrics publishes the current pool and record-set gauges.
// Callers run this periodically or after any operation that changes
// occupancy.
func (c *Coordinator) RefreshPoolMetrics() {
	metrics.TAPPoolAvailable.Set(float64(c.tapPool.Health().Available))
	metrics.SSHPortPoolAvailable.Set(float64(c.sshPool.Health().Available))

	counts := make(map[types.Status]int)
	for _, r := range c.store.List() {
		counts[r.Status]++
	}
	for _, status := range []types.Status{
		types.StatusCreating, types.StatusBooting, types.StatusRunning,
		types.StatusPaused, types.StatusStopped, types.StatusError,
	} {
		metrics.VMsActive.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
