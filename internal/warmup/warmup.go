// Package warmup pre-boots a template VM per base image, pauses it right
// after boot, and snapshots it so later VMs can fast-boot from a
// copy-on-write overlay instead of a full cold boot. Grounded on the
// teacher's console-log-tailing boot-readiness philosophy
// (internal/firecracker/manager.go's waitForBootComplete) and its
// pause/snapshot sequencing (internal/firecracker/snapshot.go's
// doHibernate), restructured around this spec's explicit warmup state
// machine and four-artifact completeness check.
package warmup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opensandbox/vmcore/internal/events"
	"github.com/opensandbox/vmcore/internal/monitorapi"
	"github.com/opensandbox/vmcore/internal/store"
	"github.com/opensandbox/vmcore/pkg/types"
)

// State is one stage of the warmup state machine: idle -> starting ->
// booting -> waiting_for_boot -> pausing -> snapshotting -> complete,
// with an absorbing error state reachable from any step.
type State string

const (
	StateIdle            State = "idle"
	StateStarting        State = "starting"
	StateBooting         State = "booting"
	StateWaitingForBoot  State = "waiting_for_boot"
	StatePausing         State = "pausing"
	StateSnapshotting    State = "snapshotting"
	StateComplete        State = "complete"
	StateError           State = "error"
)

// readinessMarkers are checked case-insensitively against new console.log
// output; any one appearing signals the template VM has finished booting
// far enough to pause, without needing an SSH reachability probe.
var readinessMarkers = []string{"login:", "reached target cloud-init.target", "cloud-init target"}

// Coordinator is the subset of internal/lifecycle's public contract the
// warmup engine drives directly: it creates and starts the template VM
// through the same path every other VM takes (skipping SSH reachability,
// since the engine has its own readiness criterion), pauses it, and
// deletes it afterward.
type Coordinator interface {
	CreateVM(ctx context.Context, cfg types.CreateConfig) (*types.VmRecord, error)
	StartVM(ctx context.Context, id string, skipReachability bool) error
	PauseVM(ctx context.Context, id string) error
	DeleteVM(ctx context.Context, id string) error
}

// monitorClient is the narrow slice of monitorapi.Client the engine uses
// directly for the snapshot call (pause goes through Coordinator so the
// record's status stays in sync).
type monitorClient interface {
	Snapshot(ctx context.Context, destinationURL string) error
}

// Config carries the default sizing used for template VMs.
type Config struct {
	VCPUs     int
	MemoryMiB int
	DiskGiB   int

	MarkerTimeout time.Duration
}

// Engine runs the warmup sequence for one base image at a time (callers
// serialize per-base-image runs; concurrent runs against different base
// images are independent).
type Engine struct {
	coord         Coordinator
	store         *store.Store
	baseImagesDir string
	cfg           Config
	bus           events.Bus

	monitorFactory func(socketPath string) monitorClient

	mu     sync.Mutex
	states map[string]State
}

// New constructs an Engine. monitorFactory defaults to monitorapi.New
// when nil, overridable so tests can stub the monitor entirely.
func New(coord Coordinator, st *store.Store, baseImagesDir string, cfg Config, bus events.Bus, monitorFactory func(string) monitorClient) *Engine {
	if cfg.MarkerTimeout == 0 {
		cfg.MarkerTimeout = 120 * time.Second
	}
	if monitorFactory == nil {
		monitorFactory = func(socketPath string) monitorClient { return monitorapi.New(socketPath) }
	}
	return &Engine{
		coord:          coord,
		store:          st,
		baseImagesDir:  baseImagesDir,
		cfg:            cfg,
		bus:            bus,
		monitorFactory: monitorFactory,
		states:         make(map[string]State),
	}
}

// State reports the current warmup state for baseImage (StateIdle if no
// run has ever been attempted).
func (e *Engine) State(baseImage string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[baseImage]; ok {
		return s
	}
	return StateIdle
}

func (e *Engine) setState(baseImage string, s State) {
	e.mu.Lock()
	e.states[baseImage] = s
	e.mu.Unlock()
}

func (e *Engine) emit(kind events.Kind, vmID, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Kind: kind, VMID: vmID, Detail: detail})
}

// Run executes the full warmup sequence for baseImage, producing
// <base_images>/<baseImage>/warmup-snapshot/ on success.
func (e *Engine) Run(ctx context.Context, baseImage string) error {
	warmupName := types.WarmupNamePrefix + baseImage
	e.setState(baseImage, StateStarting)
	e.emit(events.KindWarmupStarted, warmupName, baseImage)

	if err := e.deletePriorWarmup(ctx, warmupName); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("delete prior warmup VM: %w", err))
	}

	rec, err := e.coord.CreateVM(ctx, types.CreateConfig{
		Name:      warmupName,
		BaseImage: baseImage,
		Resources: types.Resources{VCPUs: e.cfg.VCPUs, MemoryMiB: e.cfg.MemoryMiB, DiskGiB: e.cfg.DiskGiB},
		Network:   types.NetworkModeTAP,
		AutoStart: false,
	})
	if err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("create warmup VM: %w", err))
	}

	e.setState(baseImage, StateBooting)
	e.emit(events.KindWarmupBooting, rec.ID, "")
	if err := e.coord.StartVM(ctx, rec.ID, true); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("start warmup VM: %w", err))
	}

	e.setState(baseImage, StateWaitingForBoot)
	vmDir, err := e.store.VMDir(rec.ID)
	if err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("resolve warmup VM dir: %w", err))
	}
	consolePath := filepath.Join(vmDir, "console.log")
	if err := waitForMarkers(ctx, consolePath, readinessMarkers, e.cfg.MarkerTimeout); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("wait for boot marker: %w", err))
	}

	e.setState(baseImage, StatePausing)
	e.emit(events.KindWarmupPausing, rec.ID, "")
	if err := e.coord.PauseVM(ctx, rec.ID); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("pause warmup VM: %w", err))
	}

	e.setState(baseImage, StateSnapshotting)
	current, ok := e.store.Get(rec.ID)
	if !ok {
		return e.fail(baseImage, warmupName, fmt.Errorf("warmup VM record vanished before snapshot"))
	}

	warmupDir := filepath.Join(e.baseImagesDir, baseImage, "warmup-snapshot")
	if err := os.MkdirAll(warmupDir, 0o755); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("mkdir warmup snapshot dir: %w", err))
	}

	mc := e.monitorFactory(current.APISocketPath)
	if err := mc.Snapshot(ctx, "file://"+warmupDir); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("snapshot warmup VM: %w", err))
	}

	overlayPath := filepath.Join(vmDir, "disk.qcow2")
	if err := copyFile(overlayPath, filepath.Join(warmupDir, "disk.qcow2")); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("copy overlay into warmup snapshot: %w", err))
	}
	e.emit(events.KindWarmupSnapshotted, rec.ID, warmupDir)

	descriptor := types.SnapshotDescriptor{Dir: warmupDir}
	if !descriptor.Complete() {
		return e.fail(baseImage, warmupName, fmt.Errorf("warmup snapshot directory incomplete after snapshot+copy"))
	}

	if err := e.coord.DeleteVM(ctx, rec.ID); err != nil {
		return e.fail(baseImage, warmupName, fmt.Errorf("delete warmup VM after snapshot: %w", err))
	}

	e.setState(baseImage, StateComplete)
	e.emit(events.KindWarmupComplete, warmupName, baseImage)
	return nil
}

func (e *Engine) fail(baseImage, vmID string, err error) error {
	e.setState(baseImage, StateError)
	e.emit(events.KindWarmupError, vmID, err.Error())
	return err
}

func (e *Engine) deletePriorWarmup(ctx context.Context, warmupName string) error {
	for _, rec := range e.store.List() {
		if rec.Name == warmupName {
			return e.coord.DeleteVM(ctx, rec.ID)
		}
	}
	return nil
}

// waitForMarkers polls consolePath for newly appended lines until one
// case-insensitively contains any of markers, or timeout elapses. The
// console log is written by the monitor's serial-out capture and grows
// monotonically during boot.
func waitForMarkers(ctx context.Context, consolePath string, markers []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var offset int64

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := os.Open(consolePath)
		if err == nil {
			if _, err := f.Seek(offset, io.SeekStart); err == nil {
				scanner := bufio.NewScanner(f)
				for scanner.Scan() {
					line := strings.ToLower(scanner.Text())
					for _, m := range markers {
						if strings.Contains(line, strings.ToLower(m)) {
							f.Close()
							return nil
						}
					}
				}
				if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
					offset = pos
				}
			}
			f.Close()
		}

		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timed out after %v waiting for boot marker in %s", timeout, consolePath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir dest dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create dest %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}
