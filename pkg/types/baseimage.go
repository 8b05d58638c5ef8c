package types

import (
	"os"
	"path/filepath"
)

// BaseImage names the immutable artifact layout under <base_images>/<name>/:
// image.qcow2 is the backing file shared by every VM booted from this image;
// kernel/initrd are optional (absent for firmware-booted images); the
// warmup-snapshot subdirectory is present only once warmup has completed.
type BaseImage struct {
	Name string
	Dir  string
}

// ImagePath is the backing qcow2 file all overlays for this base image chain to.
func (b BaseImage) ImagePath() string { return filepath.Join(b.Dir, "image.qcow2") }

// KernelPath is the optional direct-kernel-boot kernel image.
func (b BaseImage) KernelPath() string { return filepath.Join(b.Dir, "kernel") }

// InitrdPath is the optional direct-kernel-boot initrd image.
func (b BaseImage) InitrdPath() string { return filepath.Join(b.Dir, "initrd") }

// HasKernel reports whether this base image boots via direct kernel+initrd
// rather than firmware.
func (b BaseImage) HasKernel() bool {
	_, err := os.Stat(b.KernelPath())
	return err == nil
}

// WarmupSnapshotDir is where a completed warmup run stores its artifacts.
func (b BaseImage) WarmupSnapshotDir() string { return filepath.Join(b.Dir, "warmup-snapshot") }

// SnapshotDescriptor names the three artifact kinds of a paused-VM capture:
// a declarative device config the orchestrator parses and rewrites, an
// opaque monitor-specific state blob, and one or more memory-range files.
// The orchestrator never interprets state.json or the memory-range
// contents — only config.json is structured data to it.
type SnapshotDescriptor struct {
	Dir string
}

func (s SnapshotDescriptor) ConfigPath() string { return filepath.Join(s.Dir, "config.json") }
func (s SnapshotDescriptor) StatePath() string  { return filepath.Join(s.Dir, "state.json") }
func (s SnapshotDescriptor) DiskPath() string   { return filepath.Join(s.Dir, "disk.qcow2") }

// MemoryRangeFiles returns the memory-range-* files present in the
// snapshot directory, in lexical order.
func (s SnapshotDescriptor) MemoryRangeFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "memory-ranges-*"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Complete reports whether all four artifact kinds a warmup snapshot must
// carry are present: config.json, state.json, at least one memory-ranges-*
// file, and disk.qcow2. A partially built snapshot directory never passes
// this check, so it can never masquerade as restorable (spec.md §4.G).
func (s SnapshotDescriptor) Complete() bool {
	for _, p := range []string{s.ConfigPath(), s.StatePath()} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	if _, err := os.Stat(s.DiskPath()); err != nil {
		return false
	}
	ranges, err := s.MemoryRangeFiles()
	if err != nil || len(ranges) == 0 {
		return false
	}
	return true
}
