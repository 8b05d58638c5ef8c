package lifecycle

import (
	"fmt"

	"github.com/opensandbox/vmcore/pkg/types"
)

// coldBootArgs is everything needed to generate a monitor argv for an
// ordinary (non-restore) boot.
type coldBootArgs struct {
	APISocketPath string
	VCPUs         int
	MemoryMiB     int
	KernelPath    string
	InitrdPath    string
	BootArgs      string
	OverlayPath   string
	CloudInitPath string
	TAPDevice     string
	GuestMAC      string
	ConsolePath   string
	VsockPath     string
	LogPath       string
}

// buildColdBootArgv renders the monitor command line per spec.md §6: API
// socket, vcpus, memory, kernel+initrd+cmdline when present, the overlay
// and cloud-init disks, one TAP device or none, serial-to-file, vsock,
// and the worker's own log file. The api-socket flag embeds the VM's
// data directory, which is what satisfies the argv-based process-identity
// invariant (I2) — no separate identity flag is needed.
func buildColdBootArgv(a coldBootArgs) []string {
	argv := []string{
		"--api-socket", a.APISocketPath,
		"--vcpus", fmt.Sprintf("%d", a.VCPUs),
		"--memory-mib", fmt.Sprintf("%d", a.MemoryMiB),
	}

	if a.KernelPath != "" {
		argv = append(argv, "--kernel", a.KernelPath)
		if a.InitrdPath != "" {
			argv = append(argv, "--initrd", a.InitrdPath)
		}
		if a.BootArgs != "" {
			argv = append(argv, "--boot-args", a.BootArgs)
		}
	}

	argv = append(argv,
		"--drive", fmt.Sprintf("id=rootfs,path=%s,root=true", a.OverlayPath),
		"--drive", fmt.Sprintf("id=cidata,path=%s,root=false", a.CloudInitPath),
	)

	if a.TAPDevice != "" {
		argv = append(argv, "--net-tap", fmt.Sprintf("dev=%s,mac=%s", a.TAPDevice, a.GuestMAC))
	}

	argv = append(argv,
		"--console-log", a.ConsolePath,
		"--vsock", fmt.Sprintf("uds=%s,cid=3", a.VsockPath),
		"--log", a.LogPath,
	)

	return argv
}

// coldBootArgsFromRecord derives the argv inputs a cold boot needs from a
// persisted record and its base image, given the per-VM paths the
// coordinator has already resolved.
func coldBootArgsFromRecord(rec *types.VmRecord, base types.BaseImage, vmDir string, overlayPath, isoPath string) coldBootArgs {
	a := coldBootArgs{
		APISocketPath: vmDir + "/api.sock",
		VCPUs:         rec.Resources.VCPUs,
		MemoryMiB:     rec.Resources.MemoryMiB,
		OverlayPath:   overlayPath,
		CloudInitPath: isoPath,
		ConsolePath:   vmDir + "/console.log",
		VsockPath:     vmDir + "/vsock.sock",
		LogPath:       vmDir + "/vm.log",
		GuestMAC:      rec.Network.MAC,
	}
	if rec.Network.Mode == types.NetworkModeTAP {
		a.TAPDevice = rec.Network.TAPDevice
	}
	if base.HasKernel() {
		a.KernelPath = base.KernelPath()
		a.InitrdPath = base.InitrdPath()
	}
	return a
}
