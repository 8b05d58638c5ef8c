package guestctl

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeBridge emulates the monitor's vsock-bridge Unix socket: it accepts
// the CONNECT handshake and then runs respond against whatever line it
// receives next.
func fakeBridge(t *testing.T, respond func(req string) string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vsock.sock")

	lis, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				connectLine, err := reader.ReadString('\n')
				if err != nil || !strings.HasPrefix(connectLine, "CONNECT") {
					return
				}
				conn.Write([]byte("OK 1024\n"))

				reqLine, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				resp := respond(strings.TrimSpace(reqLine))
				conn.Write([]byte(resp + "\n"))
			}()
		}
	}()

	return path
}

func TestPingPong(t *testing.T) {
	path := fakeBridge(t, func(req string) string {
		if req == "PING" {
			return "PONG"
		}
		return "ERROR:unexpected"
	})

	c := New(path, 9000)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestReconfigureNetworkSuccess(t *testing.T) {
	path := fakeBridge(t, func(req string) string {
		if req == "RECONFIGURE_NETWORK" {
			return "OK:10.0.0.2"
		}
		return "ERROR:unexpected"
	})

	c := New(path, 9000)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ip, err := c.ReconfigureNetwork(ctx)
	if err != nil {
		t.Fatalf("ReconfigureNetwork: %v", err)
	}
	if ip != "10.0.0.2" {
		t.Errorf("expected ip 10.0.0.2, got %s", ip)
	}
}

func TestReconfigureNetworkErrorResponse(t *testing.T) {
	path := fakeBridge(t, func(req string) string {
		return "ERROR:network manager unavailable"
	})

	c := New(path, 9000)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.ReconfigureNetwork(ctx); err == nil {
		t.Fatal("expected error from ERROR: response")
	}
}

func TestReconfigureNetworkRetrySucceedsAfterFailures(t *testing.T) {
	attempt := 0
	path := fakeBridge(t, func(req string) string {
		attempt++
		if attempt < 3 {
			return "ERROR:not ready"
		}
		return "OK:10.0.0.5"
	})

	c := New(path, 9000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ip, err := c.ReconfigureNetworkWithRetry(ctx, 5, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReconfigureNetworkWithRetry: %v", err)
	}
	if ip != "10.0.0.5" {
		t.Errorf("expected ip 10.0.0.5, got %s", ip)
	}
}
