// Package pools manages the orchestrator's three bounded shared host
// resources: pre-provisioned TAP devices, SSH forwarding ports, and MAC
// addresses. All three are in-memory only — their authoritative state is
// reconstructed from the persisted record set at startup (spec.md §9),
// never persisted separately.
package pools

import (
	"fmt"
	"sync"

	"github.com/opensandbox/vmcore/internal/vmerr"
)

// TAPDevice describes one pre-provisioned TAP device the operator handed
// the orchestrator: a bridge name, a gateway IP, and the range of guest
// IPs that bridge routes.
type TAPDevice struct {
	Name     string
	Bridge   string
	Gateway  string
	GuestIPs []string // candidate guest IPs on this device's bridge, in allocation order
}

// Allocation is what TAPPool.Allocate hands back for one VM.
type Allocation struct {
	TAP     string
	Bridge  string
	GuestIP string
	Gateway string
}

// TAPPool hands out pre-provisioned TAP devices to VMs. Allocation is
// idempotent per vm_id: calling Allocate again for an id that already
// holds a lease returns that same lease rather than taking a second one.
type TAPPool struct {
	mu      sync.Mutex
	devices []TAPDevice
	leased  map[string]Allocation // vm_id -> allocation
	byTAP   map[string]string     // tap name -> vm_id, for uniqueness and release
}

// NewTAPPool constructs a pool over the given pre-provisioned devices.
func NewTAPPool(devices []TAPDevice) *TAPPool {
	return &TAPPool{
		devices: devices,
		leased:  make(map[string]Allocation),
		byTAP:   make(map[string]string),
	}
}

// Allocate returns a TAP allocation for vmID, creating one if vmID does
// not already hold a lease. Returns vmerr.ErrResourceExhausted if every
// configured device is in use.
func (p *TAPPool) Allocate(vmID string) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.leased[vmID]; ok {
		return a, nil
	}

	for _, d := range p.devices {
		if _, busy := p.byTAP[d.Name]; busy {
			continue
		}
		guestIP := ""
		if len(d.GuestIPs) > 0 {
			guestIP = d.GuestIPs[0]
		}
		a := Allocation{TAP: d.Name, Bridge: d.Bridge, GuestIP: guestIP, Gateway: d.Gateway}
		p.leased[vmID] = a
		p.byTAP[d.Name] = vmID
		return a, nil
	}

	return Allocation{}, fmt.Errorf("tap pool: %w", vmerr.ErrResourceExhausted)
}

// AllocateSpecific reserves a named TAP device for vmID, for reclaiming a
// lease a record already names. Returns vmerr.ErrConflict if the device is held by a
// different vm_id, or vmerr.ErrNotFound if the name is not a configured
// device.
func (p *TAPPool) AllocateSpecific(vmID, tapName string) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.leased[vmID]; ok && a.TAP == tapName {
		return a, nil
	}
	if holder, busy := p.byTAP[tapName]; busy && holder != vmID {
		return Allocation{}, fmt.Errorf("tap %s: %w", tapName, vmerr.ErrConflict)
	}

	for _, d := range p.devices {
		if d.Name != tapName {
			continue
		}
		guestIP := ""
		if len(d.GuestIPs) > 0 {
			guestIP = d.GuestIPs[0]
		}
		a := Allocation{TAP: d.Name, Bridge: d.Bridge, GuestIP: guestIP, Gateway: d.Gateway}
		p.leased[vmID] = a
		p.byTAP[d.Name] = vmID
		return a, nil
	}
	return Allocation{}, fmt.Errorf("tap %s: %w", tapName, vmerr.ErrNotFound)
}

// Release returns vmID's TAP lease, if any, to the pool.
func (p *TAPPool) Release(vmID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.leased[vmID]
	if !ok {
		return
	}
	delete(p.leased, vmID)
	delete(p.byTAP, a.TAP)
}

// CleanupStale releases every lease whose vm_id is not in activeIDs.
func (p *TAPPool) CleanupStale(activeIDs map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for vmID, a := range p.leased {
		if activeIDs[vmID] {
			continue
		}
		delete(p.leased, vmID)
		delete(p.byTAP, a.TAP)
	}
}

// Health reports pool configuration and availability.
type Health struct {
	Configured bool
	Healthy    bool
	Available  int
}

func (p *TAPPool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Configured: len(p.devices) > 0,
		Healthy:    true,
		Available:  len(p.devices) - len(p.leased),
	}
}
