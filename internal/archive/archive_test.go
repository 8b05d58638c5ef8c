package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTarGzRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{
		"config.json":      `{"drives":[]}`,
		"state.json":       "opaque",
		"memory-ranges-0":  "opaque-mem",
		"disk.qcow2":       "qcow2-bytes",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	var buf bytes.Buffer
	if err := writeTarGz(&buf, srcDir); err != nil {
		t.Fatalf("writeTarGz: %v", err)
	}

	destDir := t.TempDir()
	if err := extractTarGz(&buf, destDir); err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(destDir, name))
		if err != nil {
			t.Fatalf("read extracted %s: %v", name, err)
		}
		if string(got) != content {
			t.Errorf("%s: expected %q, got %q", name, content, string(got))
		}
	}
}

func TestKeyFormatsByBaseImage(t *testing.T) {
	got := Key("ubuntu-24.04")
	want := "warmup-snapshots/ubuntu-24.04.tar.gz"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}
