// Package guestagent implements the guest side of the vsock control
// channel: a line-oriented ASCII protocol (PING/PONG,
// RECONFIGURE_NETWORK/OK:<ip>/ERROR:<message>) rather than the teacher's
// gRPC-over-vsock agent. It answers the narrow set of requests
// internal/guestctl's host-side client issues (spec.md §4.I), restructured
// from internal/agent/server.go's dispatch-table shape into a per-line
// switch.
package guestagent

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/opensandbox/vmcore/internal/shellout"
)

// DefaultPort is the vsock port the guest agent listens on, matching
// internal/cloudinit.AgentVsockPort.
const DefaultPort = 9000

// reconfigureScriptPath is the network-manager reconfigure script
// internal/cloudinit writes into every seed image (netplan apply /
// systemd-networkd restart, then its own dhclient fallback). Reconfigure
// runs it first and only falls back to driving dhclient directly here if
// the script itself is missing or fails.
const reconfigureScriptPath = "/usr/local/bin/vmcore-reconfigure-network"

// NetworkReconfigurer re-applies the guest's network configuration (drop
// and reacquire the DHCP lease, or equivalent) and reports the interface's
// resulting IPv4 address. Exercised after a fast-boot restore, whose
// restored guest carries the warmup template's stale network identity.
type NetworkReconfigurer interface {
	Reconfigure(ctx context.Context) (string, error)
}

// dhclientReconfigurer re-runs the guest's network-manager reconfigure
// action first, falling back to driving dhclient directly, grounded on
// internal/agent/exec.go's exec.Command wrapping pattern.
type dhclientReconfigurer struct {
	iface      string
	scriptPath string
	runner     shellout.Runner
}

// NewDHClientReconfigurer returns a NetworkReconfigurer for iface (e.g.
// "eth0"): it tries the seed image's network-manager reconfigure script
// first and falls back to a direct dhclient release/renew if that script
// is absent or fails.
func NewDHClientReconfigurer(iface string) NetworkReconfigurer {
	return &dhclientReconfigurer{iface: iface, scriptPath: reconfigureScriptPath, runner: shellout.Exec{}}
}

func (d *dhclientReconfigurer) Reconfigure(ctx context.Context) (string, error) {
	if _, err := d.runner.Run(d.scriptPath); err != nil {
		log.Printf("guestagent: %s failed or unavailable (%v), falling back to a direct dhclient renew on %s", d.scriptPath, err, d.iface)
		if _, err := d.runner.Run("dhclient", "-r", d.iface); err != nil {
			log.Printf("guestagent: dhclient release on %s: %v (continuing)", d.iface, err)
		}
		if _, err := d.runner.Run("dhclient", d.iface); err != nil {
			return "", fmt.Errorf("dhclient renew on %s: %w", d.iface, err)
		}
	}

	out, err := d.runner.Run("ip", "-4", "-o", "addr", "show", "dev", d.iface)
	if err != nil {
		return "", fmt.Errorf("read address for %s: %w", d.iface, err)
	}
	ip, err := parseInetAddr(string(out))
	if err != nil {
		return "", fmt.Errorf("parse address for %s: %w", d.iface, err)
	}
	return ip, nil
}

// parseInetAddr pulls the IPv4 address out of "ip -4 -o addr show"
// output: "2: eth0    inet 10.0.0.2/24 brd ...".
func parseInetAddr(out string) (string, error) {
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "inet" && i+1 < len(fields) {
			addr := fields[i+1]
			if slash := strings.IndexByte(addr, '/'); slash != -1 {
				addr = addr[:slash]
			}
			return addr, nil
		}
	}
	return "", fmt.Errorf("no inet address found in %q", out)
}

// Server answers PING and RECONFIGURE_NETWORK requests on accepted
// connections.
type Server struct {
	network NetworkReconfigurer
}

// NewServer constructs a Server. network is nil-safe: a nil
// NetworkReconfigurer makes RECONFIGURE_NETWORK always fail, which is
// useful for tests that only exercise PING.
func NewServer(network NetworkReconfigurer) *Server {
	return &Server{network: network}
}

// Serve accepts connections from lis until it returns an error (normally
// because lis was closed during shutdown).
func (s *Server) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		req := strings.TrimSpace(line)
		resp := s.dispatch(req)
		if _, err := fmt.Fprintf(conn, "%s\n", resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req string) string {
	switch {
	case req == "PING":
		return "PONG"
	case req == "RECONFIGURE_NETWORK":
		return s.reconfigureNetwork()
	default:
		return fmt.Sprintf("ERROR:unknown request %q", req)
	}
}

func (s *Server) reconfigureNetwork() string {
	if s.network == nil {
		return "ERROR:network reconfiguration not available"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ip, err := s.network.Reconfigure(ctx)
	if err != nil {
		return fmt.Sprintf("ERROR:%s", err)
	}
	return fmt.Sprintf("OK:%s", ip)
}
