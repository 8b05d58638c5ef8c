// Package restore implements the fast-boot path: restoring a new VM from
// a base image's warmup snapshot onto a fresh copy-on-write overlay
// instead of a full cold boot. Grounded on internal/firecracker/
// snapshot.go's doWake, which this rewrites around a directory-based
// --restore contract instead of a PUT-based LoadSnapshot API call, per
// spec.md §4.H.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opensandbox/vmcore/internal/diskmgr"
	"github.com/opensandbox/vmcore/internal/monitorapi"
	"github.com/opensandbox/vmcore/internal/procsup"
	"github.com/opensandbox/vmcore/internal/vmerr"
	"github.com/opensandbox/vmcore/pkg/types"
)

// driveConfig is one block-device entry in the monitor's device config
// document.
type driveConfig struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// netIfaceConfig is one network device entry. HostMACOverride is stripped
// on restore: setting it requires a host capability (raw tap MAC
// assignment) the orchestrator's unprivileged process does not hold.
type netIfaceConfig struct {
	IfaceID         string `json:"iface_id"`
	HostDevName     string `json:"host_dev_name"`
	GuestMAC        string `json:"guest_mac,omitempty"`
	HostMACOverride string `json:"host_mac_override,omitempty"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID int    `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type loggerConfig struct {
	LogPath string `json:"log_path"`
	Level   string `json:"level,omitempty"`
}

// deviceConfig is the declarative document rewritten between the warmup
// VM's identity and the new VM's. Fields the orchestrator never touches
// (machine-config, boot-source) round-trip as raw JSON.
type deviceConfig struct {
	Drives            []driveConfig    `json:"drives"`
	NetworkInterfaces []netIfaceConfig `json:"network-interfaces"`
	Vsock             *vsockConfig     `json:"vsock,omitempty"`
	Logger            *loggerConfig    `json:"logger,omitempty"`
	MachineConfig     json.RawMessage  `json:"machine-config,omitempty"`
	BootSource        json.RawMessage  `json:"boot-source,omitempty"`
}

// RewriteParams names everything about the new VM's identity that
// replaces the warmup VM's identity in the restored config document.
type RewriteParams struct {
	NewOverlayPath  string
	NewTAPDevice    string
	NewGuestMAC     string
	NewVsockPath    string
	NewConsolePath  string
}

// RewriteConfig parses a warmup snapshot's config.json and rewrites it to
// match a new VM's identity, per spec.md §4.H step 3:
//   - every drive pointing at the warmup overlay is repointed at the new
//     overlay; the cloudinit.iso drive entry (no longer needed post-boot)
//     is dropped entirely.
//   - every network interface's tap name and guest MAC are replaced with
//     the new VM's allocation, and the host MAC override field is
//     stripped.
//   - the vsock bridge path and serial/console output path are replaced
//     with paths under the new VM's directory.
func RewriteConfig(raw []byte, p RewriteParams) ([]byte, error) {
	var cfg deviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("restore: parse warmup config.json: %w", err)
	}

	drives := make([]driveConfig, 0, len(cfg.Drives))
	for _, d := range cfg.Drives {
		if strings.HasSuffix(d.PathOnHost, "cloudinit.iso") {
			continue
		}
		if strings.HasSuffix(d.PathOnHost, "disk.qcow2") {
			d.PathOnHost = p.NewOverlayPath
		}
		drives = append(drives, d)
	}
	cfg.Drives = drives

	for i := range cfg.NetworkInterfaces {
		cfg.NetworkInterfaces[i].HostDevName = p.NewTAPDevice
		cfg.NetworkInterfaces[i].GuestMAC = p.NewGuestMAC
		cfg.NetworkInterfaces[i].HostMACOverride = ""
	}

	if cfg.Vsock != nil {
		cfg.Vsock.UDSPath = p.NewVsockPath
	}
	if cfg.Logger != nil {
		cfg.Logger.LogPath = p.NewConsolePath
	}

	out, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("restore: marshal rewritten config.json: %w", err)
	}
	return out, nil
}

// Params fully describes one fast-boot restore attempt.
type Params struct {
	VMID              string
	VMDir             string
	WarmupSnapshotDir string

	NewTAPDevice string
	NewGuestMAC  string

	APISocketPath   string
	VsockSocketPath string
	ConsolePath     string

	GuestAgentPort    int
	SocketWaitTimeout time.Duration

	GuestReconfigureAttempts int
	GuestReconfigureDelay    time.Duration
}

// MonitorClient is the slice of monitorapi.Client Execute needs.
type MonitorClient interface {
	ResumeVM(ctx context.Context) error
}

// GuestClient is the slice of guestctl.Client Execute needs.
type GuestClient interface {
	ReconfigureNetworkWithRetry(ctx context.Context, attempts int, delay time.Duration) (string, error)
}

// Deps wires Execute to the rest of the orchestrator, overridable in
// tests so no real monitor binary or vsock bridge is required.
type Deps struct {
	Disk       *diskmgr.Manager
	Supervisor *procsup.Supervisor

	WaitForSocket func(path string, timeout time.Duration) error
	NewMonitor    func(socketPath string) MonitorClient
	NewGuestCtl   func(udsPath string, port int) GuestClient
}

func (d Deps) withDefaults() Deps {
	if d.WaitForSocket == nil {
		d.WaitForSocket = monitorapi.WaitForSocket
	}
	if d.NewMonitor == nil {
		d.NewMonitor = func(socketPath string) MonitorClient { return monitorapi.New(socketPath) }
	}
	return d
}

// Result is what a successful restore hands back for the caller
// (internal/lifecycle) to fold into the VmRecord.
type Result struct {
	Pid     int
	GuestIP string
}

// PrepareDir stages <vm_dir>/restore/ per spec.md §4.H steps 1-3: copies
// the opaque state.json and memory-ranges-* files, creates the new
// overlay backed by the warmup snapshot's disk, and writes a rewritten
// config.json. Returns the restore directory Execute spawns the monitor
// against.
func PrepareDir(disk *diskmgr.Manager, p Params) (string, error) {
	descriptor := types.SnapshotDescriptor{Dir: p.WarmupSnapshotDir}
	if !descriptor.Complete() {
		return "", fmt.Errorf("restore: warmup snapshot at %s is incomplete", p.WarmupSnapshotDir)
	}

	restoreDir := filepath.Join(p.VMDir, "restore")
	if err := os.MkdirAll(restoreDir, 0o755); err != nil {
		return "", fmt.Errorf("restore: mkdir restore dir: %w", err)
	}

	if err := copyFile(descriptor.StatePath(), filepath.Join(restoreDir, "state.json")); err != nil {
		return "", fmt.Errorf("restore: copy state.json: %w", err)
	}
	ranges, err := descriptor.MemoryRangeFiles()
	if err != nil {
		return "", fmt.Errorf("restore: list memory range files: %w", err)
	}
	for _, src := range ranges {
		if err := copyFile(src, filepath.Join(restoreDir, filepath.Base(src))); err != nil {
			return "", fmt.Errorf("restore: copy %s: %w", filepath.Base(src), err)
		}
	}

	overlayPath := filepath.Join(p.VMDir, "disk.qcow2")
	if err := disk.CreateOverlay(descriptor.DiskPath(), overlayPath, 0); err != nil {
		return "", fmt.Errorf("restore: create overlay over warmup disk: %w", err)
	}

	rawConfig, err := os.ReadFile(descriptor.ConfigPath())
	if err != nil {
		return "", fmt.Errorf("restore: read warmup config.json: %w", err)
	}
	rewritten, err := RewriteConfig(rawConfig, RewriteParams{
		NewOverlayPath: overlayPath,
		NewTAPDevice:   p.NewTAPDevice,
		NewGuestMAC:    p.NewGuestMAC,
		NewVsockPath:   p.VsockSocketPath,
		NewConsolePath: p.ConsolePath,
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(restoreDir, "config.json"), rewritten, 0o644); err != nil {
		return "", fmt.Errorf("restore: write rewritten config.json: %w", err)
	}

	return restoreDir, nil
}

// Execute runs the full fast-boot sequence: stage the restore directory,
// spawn the monitor in --restore mode, wait for its control socket,
// resume the paused VM, then drop and re-acquire the guest's DHCP lease
// on the new pool-assigned address (spec.md §4.H steps 4-6).
func Execute(ctx context.Context, deps Deps, p Params) (Result, error) {
	deps = deps.withDefaults()

	restoreDir, err := PrepareDir(deps.Disk, p)
	if err != nil {
		return Result{}, err
	}

	argv := []string{
		"--api-socket", p.APISocketPath,
		"--restore", "source_url=file://" + restoreDir,
	}
	logPath := filepath.Join(p.VMDir, "vm.log")
	process, err := deps.Supervisor.Spawn(argv, logPath, true)
	if err != nil {
		return Result{}, fmt.Errorf("restore: spawn monitor: %w", err)
	}

	waitTimeout := p.SocketWaitTimeout
	if waitTimeout == 0 {
		waitTimeout = 30 * time.Second
	}
	if err := deps.WaitForSocket(p.APISocketPath, waitTimeout); err != nil {
		_ = procsup.Terminate(process.Pid, 3*time.Second)
		return Result{}, fmt.Errorf("restore: wait for api socket: %w", err)
	}

	mc := deps.NewMonitor(p.APISocketPath)
	if err := mc.ResumeVM(ctx); err != nil {
		_ = procsup.Terminate(process.Pid, 3*time.Second)
		return Result{}, fmt.Errorf("restore: resume restored VM: %w", err)
	}

	result := Result{Pid: process.Pid}

	if deps.NewGuestCtl != nil {
		gc := deps.NewGuestCtl(p.VsockSocketPath, p.GuestAgentPort)
		attempts := p.GuestReconfigureAttempts
		if attempts == 0 {
			attempts = 10
		}
		delay := p.GuestReconfigureDelay
		if delay == 0 {
			delay = time.Second
		}
		ip, err := gc.ReconfigureNetworkWithRetry(ctx, attempts, delay)
		if err != nil {
			// Non-fatal per spec.md §4.I: leave guest_ip at its previous
			// value and surface this as a warning, not a failed restore.
			// Callers check errors.Is(err, vmerr.ErrTransient) to tell
			// this apart from a failed restore.
			return result, fmt.Errorf("restore: guest network reconfigure did not complete: %v: %w", err, vmerr.ErrTransient)
		}
		result.GuestIP = ip
	}

	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
