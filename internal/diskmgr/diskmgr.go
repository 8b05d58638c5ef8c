// Package diskmgr creates qcow2 backing-file chains over the qcow2 tool
// binary, in the shell-out idiom the corpus uses for every disk
// operation (reflink copy, sparse truncate, mkfs) rather than linking a
// qcow2-format library.
package diskmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opensandbox/vmcore/internal/shellout"
)

// Manager shells out to a qcow2 tool binary (qemu-img-compatible: create,
// info, resize subcommands) to manage overlay disks.
type Manager struct {
	bin    string
	runner shellout.Runner
}

// New constructs a Manager that invokes bin via the default Exec runner.
func New(bin string) *Manager {
	return &Manager{bin: bin, runner: shellout.Exec{}}
}

// NewWithRunner is New but with an injectable Runner, for tests that
// stub out the qcow2 tool entirely.
func NewWithRunner(bin string, runner shellout.Runner) *Manager {
	return &Manager{bin: bin, runner: runner}
}

// CreateOverlay creates a qcow2 at overlayPath backed by basePath. If
// basePath is empty, it creates a standalone qcow2 of virtualSizeGiB
// instead. Creating an overlay is O(1) on disk regardless of the base's
// size.
func (m *Manager) CreateOverlay(basePath, overlayPath string, virtualSizeGiB int) error {
	if err := os.MkdirAll(filepath.Dir(overlayPath), 0o755); err != nil {
		return fmt.Errorf("diskmgr: mkdir overlay dir: %w", err)
	}

	var args []string
	if basePath != "" {
		args = []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", basePath, overlayPath}
	} else {
		args = []string{"create", "-f", "qcow2", overlayPath, fmt.Sprintf("%dG", virtualSizeGiB)}
	}

	if _, err := m.runner.Run(m.bin, args...); err != nil {
		return fmt.Errorf("diskmgr: create overlay %s: %w", overlayPath, err)
	}
	return nil
}

// EnsureBaseMinimumSize inspects basePath's virtual size and grows it to
// minGiB if smaller. Overlays whose backing file is smaller than the
// overlay itself cannot express writes past the base's virtual size, so
// both the warmup path and the normal-boot path depend on this having
// run first.
func (m *Manager) EnsureBaseMinimumSize(basePath string, minGiB int) error {
	sizeBytes, err := m.virtualSizeBytes(basePath)
	if err != nil {
		return fmt.Errorf("diskmgr: inspect %s: %w", basePath, err)
	}

	minBytes := int64(minGiB) * 1024 * 1024 * 1024
	if sizeBytes >= minBytes {
		return nil
	}

	if _, err := m.runner.Run(m.bin, "resize", basePath, fmt.Sprintf("%dG", minGiB)); err != nil {
		return fmt.Errorf("diskmgr: resize %s to %dGiB: %w", basePath, minGiB, err)
	}
	return nil
}

// virtualSizeBytes shells out to the info subcommand and parses the
// virtual size out of its human-readable output.
func (m *Manager) virtualSizeBytes(path string) (int64, error) {
	out, err := m.runner.Run(m.bin, "info", path)
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "virtual size:") {
			continue
		}
		if idx := strings.Index(line, "("); idx >= 0 {
			if end := strings.Index(line[idx:], " bytes)"); end >= 0 {
				numStr := strings.TrimSpace(line[idx+1 : idx+end])
				if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
					return n, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("could not parse virtual size from %s output", m.bin)
}
