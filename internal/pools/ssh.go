package pools

import (
	"fmt"
	"net"
	"sync"

	"github.com/opensandbox/vmcore/internal/vmerr"
)

// SSHPortPool allocates host ports from a contiguous [lo, hi] range for
// fallback SSH access when a VM has no TAP network or as an additional
// access path.
type SSHPortPool struct {
	mu    sync.Mutex
	lo    int
	hi    int
	held  map[string]int // vm_id -> port
	byPort map[int]string
}

// NewSSHPortPool constructs a pool over the inclusive range [lo, hi].
func NewSSHPortPool(lo, hi int) *SSHPortPool {
	return &SSHPortPool{
		lo:     lo,
		hi:     hi,
		held:   make(map[string]int),
		byPort: make(map[int]string),
	}
}

// Allocate scans the range linearly for a port that is neither already
// held nor failing a non-blocking "can I listen on this port" probe.
// Idempotent per vm_id.
func (p *SSHPortPool) Allocate(vmID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.held[vmID]; ok {
		return port, nil
	}

	for port := p.lo; port <= p.hi; port++ {
		if _, busy := p.byPort[port]; busy {
			continue
		}
		if !canListen(port) {
			continue
		}
		p.held[vmID] = port
		p.byPort[port] = vmID
		return port, nil
	}

	return 0, fmt.Errorf("ssh port pool: %w", vmerr.ErrResourceExhausted)
}

// Release removes vmID's held port from the in-memory set.
func (p *SSHPortPool) Release(vmID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.held[vmID]
	if !ok {
		return
	}
	delete(p.held, vmID)
	delete(p.byPort, port)
}

// CleanupStale releases every port held by a vm_id not in activeIDs.
func (p *SSHPortPool) CleanupStale(activeIDs map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for vmID, port := range p.held {
		if activeIDs[vmID] {
			continue
		}
		delete(p.held, vmID)
		delete(p.byPort, port)
	}
}

func (p *SSHPortPool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.hi - p.lo + 1
	return Health{
		Configured: total > 0,
		Healthy:    true,
		Available:  total - len(p.held),
	}
}

// canListen probes whether a TCP port is free by briefly binding to it.
func canListen(port int) bool {
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	lis.Close()
	return true
}
