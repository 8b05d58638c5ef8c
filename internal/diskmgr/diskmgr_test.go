package diskmgr

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls [][]string
	infoOutput string
	err   error
}

func (f *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	if len(args) > 0 && args[0] == "info" {
		return []byte(f.infoOutput), nil
	}
	return nil, nil
}

func TestCreateOverlayWithBackingFile(t *testing.T) {
	runner := &fakeRunner{}
	m := NewWithRunner("qemu-img", runner)

	dir := t.TempDir()
	overlay := filepath.Join(dir, "disk.qcow2")

	if err := m.CreateOverlay("/base/image.qcow2", overlay, 0); err != nil {
		t.Fatalf("CreateOverlay: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(runner.calls))
	}
	got := strings.Join(runner.calls[0], " ")
	if !strings.Contains(got, "-b /base/image.qcow2") {
		t.Errorf("expected backing file flag, got %q", got)
	}
}

func TestCreateOverlayStandalone(t *testing.T) {
	runner := &fakeRunner{}
	m := NewWithRunner("qemu-img", runner)
	dir := t.TempDir()
	overlay := filepath.Join(dir, "disk.qcow2")

	if err := m.CreateOverlay("", overlay, 20); err != nil {
		t.Fatalf("CreateOverlay: %v", err)
	}
	got := strings.Join(runner.calls[0], " ")
	if !strings.Contains(got, "20G") {
		t.Errorf("expected 20G size arg, got %q", got)
	}
}

func TestEnsureBaseMinimumSizeGrows(t *testing.T) {
	runner := &fakeRunner{infoOutput: "virtual size: 5 GiB (5368709120 bytes)\n"}
	m := NewWithRunner("qemu-img", runner)

	if err := m.EnsureBaseMinimumSize("/base/image.qcow2", 10); err != nil {
		t.Fatalf("EnsureBaseMinimumSize: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected info+resize calls, got %d: %v", len(runner.calls), runner.calls)
	}
	resizeCall := strings.Join(runner.calls[1], " ")
	if !strings.Contains(resizeCall, "resize") || !strings.Contains(resizeCall, "10G") {
		t.Errorf("expected resize to 10G, got %q", resizeCall)
	}
}

func TestEnsureBaseMinimumSizeNoopWhenAlreadyLargeEnough(t *testing.T) {
	runner := &fakeRunner{infoOutput: fmt.Sprintf("virtual size: 20 GiB (%d bytes)\n", int64(20)*1024*1024*1024)}
	m := NewWithRunner("qemu-img", runner)

	if err := m.EnsureBaseMinimumSize("/base/image.qcow2", 10); err != nil {
		t.Fatalf("EnsureBaseMinimumSize: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected only the info call, got %d calls: %v", len(runner.calls), runner.calls)
	}
}
