// Package guestctl speaks the host side of the vsock guest-control
// channel: a per-VM Unix socket that bridges into a vsock endpoint inside
// the guest. Dialing is grounded on the corpus's "CONNECT <port>\n"
// handshake; the payload itself is this spec's line-oriented ASCII
// protocol (PING/PONG, RECONFIGURE_NETWORK) rather than a gRPC frame.
package guestctl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/opensandbox/vmcore/internal/vmerr"
)

// Client addresses a single guest-control vsock port over one VM's
// bridge Unix socket.
type Client struct {
	udsPath string
	port    int
}

// New returns a Client that dials udsPath and issues CONNECT for port.
func New(udsPath string, port int) *Client {
	return &Client{udsPath: udsPath, port: port}
}

// Ping sends PING and expects PONG back.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, "PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("guestctl: unexpected PING response %q: %w", resp, vmerr.ErrTransient)
	}
	return nil
}

// ReconfigureNetwork asks the guest agent to re-run its network manager's
// reconfigure action (falling back to a DHCP lease drop/reacquire) and
// return the primary interface's new IPv4 address.
func (c *Client) ReconfigureNetwork(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, "RECONFIGURE_NETWORK")
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, "OK:") {
		return strings.TrimPrefix(resp, "OK:"), nil
	}
	if strings.HasPrefix(resp, "ERROR:") {
		return "", fmt.Errorf("guestctl: %s: %w", strings.TrimPrefix(resp, "ERROR:"), vmerr.ErrTransient)
	}
	return "", fmt.Errorf("guestctl: malformed response %q: %w", resp, vmerr.ErrTransient)
}

// ReconfigureNetworkWithRetry retries ReconfigureNetwork up to attempts
// times with delay between tries. After a snapshot restore the guest
// agent may not yet be accepting connections — the kernel is paused
// until vm.resume and the agent takes a brief moment to rebind.
func (c *Client) ReconfigureNetworkWithRetry(ctx context.Context, attempts int, delay time.Duration) (string, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		ip, err := c.ReconfigureNetwork(ctx)
		if err == nil {
			return ip, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("guestctl: reconfigure network failed after %d attempts: %w", attempts, lastErr)
}

// roundTrip dials the bridge socket, performs the CONNECT handshake,
// writes req as a line, and returns the single response line.
func (c *Client) roundTrip(ctx context.Context, req string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", c.udsPath)
	if err != nil {
		return "", fmt.Errorf("guestctl: dial bridge socket %s: %w", c.udsPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(deadline)
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", c.port); err != nil {
		return "", fmt.Errorf("guestctl: send CONNECT %d: %w", c.port, err)
	}

	reader := bufio.NewReader(conn)
	ackLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("guestctl: read CONNECT ack: %w", err)
	}
	ackLine = strings.TrimSpace(ackLine)
	if !strings.HasPrefix(ackLine, "OK") {
		return "", fmt.Errorf("guestctl: CONNECT %d failed: %s", c.port, ackLine)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", req); err != nil {
		return "", fmt.Errorf("guestctl: write request: %w", err)
	}

	respLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("guestctl: read response: %w", err)
	}
	return strings.TrimSpace(respLine), nil
}
