package monitorapi

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (string, func()) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "api.sock")

	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(lis)
	return sockPath, func() { srv.Close() }
}

func TestWaitForSocketSucceedsOnceCreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api.sock")

	go func() {
		time.Sleep(50 * time.Millisecond)
		f, _ := os.Create(path)
		f.Close()
	}()

	if err := WaitForSocket(path, 2*time.Second); err != nil {
		t.Fatalf("WaitForSocket: %v", err)
	}
}

func TestWaitForSocketTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never-appears.sock")

	if err := WaitForSocket(path, 150*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestPauseResumeSucceed(t *testing.T) {
	sock, stop := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	defer stop()

	c := New(sock)
	ctx := context.Background()
	if err := c.PauseVM(ctx); err != nil {
		t.Errorf("PauseVM: %v", err)
	}
	if err := c.ResumeVM(ctx); err != nil {
		t.Errorf("ResumeVM: %v", err)
	}
}

func TestNonSuccessStatusIsMonitorFailure(t *testing.T) {
	sock, stop := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	defer stop()

	c := New(sock)
	err := c.PauseVM(context.Background())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestSnapshotSendsDestinationURL(t *testing.T) {
	var gotBody string
	sock, stop := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	})
	defer stop()

	c := New(sock)
	if err := c.Snapshot(context.Background(), "file:///tmp/snap"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if gotBody == "" {
		t.Error("expected snapshot request to carry a body")
	}
}
