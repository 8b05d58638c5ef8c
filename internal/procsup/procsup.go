// Package procsup spawns, tracks, and reaps the monitor worker processes:
// one long-lived process per VM, detached from the orchestrator's own
// process group so an orchestrator restart never takes workers down with
// it.
package procsup

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Supervisor owns the monitor binary path used for spawning and for
// orphan-process identification during reconciliation.
type Supervisor struct {
	monitorBin string
	kvmGroup   string

	groupOnce sync.Once
	groupGID  int
	groupOK   bool
}

// New constructs a Supervisor that spawns monitorBin. kvmGroup names the
// supplementary group (typically "kvm") monitor processes are given so
// they can open /dev/kvm even when the orchestrator's own process isn't
// already a member of it; pass "" to disable this entirely.
func New(monitorBin, kvmGroup string) *Supervisor {
	return &Supervisor{monitorBin: monitorBin, kvmGroup: kvmGroup}
}

// Spawn launches the monitor binary with argv, redirecting stdout/stderr
// to logPath, and — when detached is true — placing it in its own
// session so it survives the orchestrator's own signal group. Returns the
// live *os.Process; the caller persists its PID into the VmRecord.
func (s *Supervisor) Spawn(argv []string, logPath string, detached bool) (*os.Process, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("procsup: mkdir log dir: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("procsup: create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.monitorBin, argv...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if detached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}
	s.grantKVMGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procsup: start %s: %w", s.monitorBin, err)
	}

	// The process is not waited on via cmd.Wait() — the supervisor tracks
	// liveness by pid alone,
	// which is how a process started and then abandoned across an
	// orchestrator restart must be treated anyway.
	process := cmd.Process
	return process, nil
}

// grantKVMGroup arranges for cmd to run with the configured kvm group in
// its supplementary groups, transparently, so the monitor binary can open
// /dev/kvm regardless of whether the orchestrator's own process happens
// to already carry that group (spec.md §4.C). A no-op when kvmGroup is
// unset, unresolvable, or already present in the current process's groups.
func (s *Supervisor) grantKVMGroup(cmd *exec.Cmd) {
	if s.kvmGroup == "" {
		return
	}
	s.groupOnce.Do(func() {
		grp, err := user.LookupGroup(s.kvmGroup)
		if err != nil {
			log.Printf("procsup: kvm group %q not found, spawning without it: %v", s.kvmGroup, err)
			return
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			log.Printf("procsup: kvm group %q has non-numeric gid %q, spawning without it", s.kvmGroup, grp.Gid)
			return
		}
		s.groupGID = gid
		s.groupOK = true
	})
	if !s.groupOK {
		return
	}

	current, err := unix.Getgroups()
	if err != nil {
		log.Printf("procsup: getgroups: %v, spawning without explicit kvm group", err)
		return
	}
	for _, g := range current {
		if g == s.groupGID {
			// Already a member — nothing to arrange.
			return
		}
	}

	gids := make([]uint32, 0, len(current)+1)
	for _, g := range current {
		gids = append(gids, uint32(g))
	}
	gids = append(gids, uint32(s.groupGID))

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{
		Uid:    uint32(os.Getuid()),
		Gid:    uint32(os.Getgid()),
		Groups: gids,
	}
}

// IsAlive is a zero-signal liveness probe. A process that has exited but
// not yet been reaped (a zombie) reports as not alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		if i := bytes.LastIndexByte(data, ')'); i >= 0 && i+2 < len(data) && data[i+2] == 'Z' {
			return false
		}
	}
	return true
}

// Terminate sends a polite termination signal, polls for exit up to
// grace, then sends an unconditional kill.
func Terminate(pid int, grace time.Duration) error {
	if !IsAlive(pid) {
		return nil
	}
	_ = unix.Kill(pid, unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !IsAlive(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("procsup: force kill pid %d: %w", pid, err)
	}
	return nil
}

// OrphanScan enumerates system-wide processes whose argv names monitorBin
// and references dataDir, and returns the pids whose VM id (the first path
// component of the data-dir-relative argument) is not in activeIDs. Such
// processes are orphans per spec.md §4.C.2 — their record is gone but the
// worker is still running.
func OrphanScan(monitorBin, dataDir string, activeIDs map[string]bool) ([]int, error) {
	out, err := exec.Command("pgrep", "-f", monitorBin).Output()
	if err != nil {
		// pgrep exits non-zero when there are no matches; that's not an error.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("procsup: pgrep %s: %w", monitorBin, err)
	}

	var orphans []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		vmID, ok := vmIDFromArgv(pid, dataDir)
		if !ok {
			continue
		}
		if !activeIDs[vmID] {
			orphans = append(orphans, pid)
			log.Printf("procsup: orphan %s (pid %d) has no matching record", vmID, pid)
		}
	}
	return orphans, nil
}

// vmIDFromArgv reads /proc/<pid>/cmdline and extracts the VM id by
// locating dataDir as a path prefix of one of its arguments — this is
// the process-identity guard required by invariant I2: the process
// referenced by a record's pid must have been started for that exact id.
func vmIDFromArgv(pid int, dataDir string) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", false
	}
	args := bytes.Split(data, []byte{0})
	prefix := filepath.Clean(dataDir) + string(filepath.Separator)
	for _, a := range args {
		arg := string(a)
		if !strings.HasPrefix(arg, prefix) {
			continue
		}
		rest := strings.TrimPrefix(arg, prefix)
		parts := strings.SplitN(rest, string(filepath.Separator), 2)
		if parts[0] != "" {
			return parts[0], true
		}
	}
	return "", false
}
