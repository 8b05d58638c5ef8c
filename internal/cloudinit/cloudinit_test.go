package cloudinit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil, nil
}

func TestBuildWritesThreeSeedFiles(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	b := NewWithRunner("genisoimage", runner)

	seed := Seed{VMID: "vm-1", VMName: "a", SSHPubKey: "ssh-ed25519 AAAA... agent", MACAddress: "02:00:00:00:00:01"}
	isoPath, err := b.Build(dir, seed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if isoPath != filepath.Join(dir, "cloudinit.iso") {
		t.Errorf("unexpected iso path %s", isoPath)
	}

	for _, name := range []string{"meta-data", "user-data", "network-config"} {
		data, err := os.ReadFile(filepath.Join(dir, "cloudinit", name))
		if err != nil {
			t.Fatalf("expected %s to be written: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	metaData, _ := os.ReadFile(filepath.Join(dir, "cloudinit", "meta-data"))
	if !strings.Contains(string(metaData), "instance-id: vm-1") {
		t.Errorf("expected instance-id in meta-data, got %s", metaData)
	}

	userData, _ := os.ReadFile(filepath.Join(dir, "cloudinit", "user-data"))
	if !strings.Contains(string(userData), "agent") {
		t.Errorf("expected agent user in user-data, got %s", userData)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected one ISO maker invocation, got %d", len(runner.calls))
	}
	call := strings.Join(runner.calls[0], " ")
	if !strings.Contains(call, "cidata") {
		t.Errorf("expected cidata volume id in ISO maker call, got %q", call)
	}
}
