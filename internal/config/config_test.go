package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"VMCORE_DATA_DIR", "VMCORE_SSH_PORT_LO", "VMCORE_SSH_PORT_HI",
		"VMCORE_DEFAULT_VCPUS", "VMCORE_NATS_URL",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.DataDir != "/var/lib/vmcore" {
		t.Errorf("expected default data dir, got %s", cfg.DataDir)
	}
	if cfg.BaseImagesDir != "/var/lib/vmcore/base-images" {
		t.Errorf("expected base images dir derived from data dir, got %s", cfg.BaseImagesDir)
	}
	if cfg.SSHPortLo != 22000 || cfg.SSHPortHi != 23000 {
		t.Errorf("expected default SSH port range 22000-23000, got %d-%d", cfg.SSHPortLo, cfg.SSHPortHi)
	}
	if cfg.DefaultVCPUs != 1 {
		t.Errorf("expected default vcpus 1, got %d", cfg.DefaultVCPUs)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("VMCORE_DATA_DIR", "/tmp/vmcore-test")
	os.Setenv("VMCORE_SSH_PORT_LO", "30000")
	os.Setenv("VMCORE_SSH_PORT_HI", "30100")
	os.Setenv("VMCORE_DEFAULT_VCPUS", "4")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.DataDir != "/tmp/vmcore-test" {
		t.Errorf("expected data dir override, got %s", cfg.DataDir)
	}
	if cfg.SSHPortLo != 30000 || cfg.SSHPortHi != 30100 {
		t.Errorf("expected SSH port range override, got %d-%d", cfg.SSHPortLo, cfg.SSHPortHi)
	}
	if cfg.DefaultVCPUs != 4 {
		t.Errorf("expected vcpus override, got %d", cfg.DefaultVCPUs)
	}
}

func TestLoadInvalidSSHPortRange(t *testing.T) {
	clearEnv(t)
	os.Setenv("VMCORE_SSH_PORT_LO", "not-a-number")
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid SSH port, got nil")
	}
}
