// Package monitorapi speaks the minimal HTTP/1.1 dialect the VM monitor
// exposes over its per-VM Unix socket: pause, resume, shutdown, and
// snapshot. Everything else about a VM's configuration is fixed at spawn
// time via argv (see internal/procsup and internal/restore); this client
// only carries the handful of post-spawn lifecycle operations spec.md
// §4.D names.
package monitorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/opensandbox/vmcore/internal/vmerr"
)

// Client is a minimal HTTP client for one VM's monitor control socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// New returns a client that talks to the monitor over its Unix-socket
// control API at socketPath.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// WaitForSocket polls for the socket file's existence with a 100ms floor
// and 500ms ceiling backoff, failing with vmerr.ErrMonitorFailure after
// timeout. The monitor creates this socket asynchronously after spawn.
func WaitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 100 * time.Millisecond
	const ceiling = 500 * time.Millisecond
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > ceiling {
			backoff = ceiling
		}
	}
	return fmt.Errorf("socket %s not ready after %v: %w", path, timeout, vmerr.ErrMonitorFailure)
}

// PauseVM pauses a running VM.
func (c *Client) PauseVM(ctx context.Context) error {
	return c.put(ctx, "/api/v1/vm.pause", nil, false)
}

// ResumeVM resumes a paused VM.
func (c *Client) ResumeVM(ctx context.Context) error {
	return c.put(ctx, "/api/v1/vm.resume", nil, false)
}

// ShutdownVM requests a graceful guest shutdown. Per spec.md §7, if the
// socket disappears mid-call (the monitor exiting is itself the success
// signal) a read timeout is treated as success rather than an error.
func (c *Client) ShutdownVM(ctx context.Context) error {
	return c.put(ctx, "/api/v1/vm.shutdown", nil, true)
}

// ShutdownVMM requests the monitor process itself exit. Same
// timeout-is-success rule as ShutdownVM.
func (c *Client) ShutdownVMM(ctx context.Context) error {
	return c.put(ctx, "/api/v1/vmm.shutdown", nil, true)
}

// Snapshot requests a full snapshot be materialized at destinationURL.
// The VM must already be paused.
func (c *Client) Snapshot(ctx context.Context, destinationURL string) error {
	body := map[string]string{"destination_url": destinationURL}
	return c.put(ctx, "/api/v1/vm.snapshot", body, false)
}

func (c *Client) put(ctx context.Context, path string, body any, shutdownFamily bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if shutdownFamily && isTimeout(err) {
			return nil
		}
		return fmt.Errorf("monitor API %s: %w: %w", path, err, vmerr.ErrMonitorFailure)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("monitor API %s returned %d: %s: %w", path, resp.StatusCode, string(respBody), vmerr.ErrMonitorFailure)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
