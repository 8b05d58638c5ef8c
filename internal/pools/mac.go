package pools

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// MACAllocator generates 48-bit MAC addresses with the locally-administered
// bit set and the multicast bit cleared, checked for collision against
// every address currently in use.
type MACAllocator struct {
	mu     sync.Mutex
	leased map[string]string // vm_id -> mac
	used   map[string]bool   // mac -> in use
}

// NewMACAllocator constructs an empty allocator. Seed, if called during
// reconciliation, pre-populates it from the persisted record set so newly
// generated addresses never collide with ones already on disk.
func NewMACAllocator() *MACAllocator {
	return &MACAllocator{
		leased: make(map[string]string),
		used:   make(map[string]bool),
	}
}

// Seed registers a MAC address as already in use by vmID, without
// generating a new one. Used to rebuild allocator state from persisted
// records at startup.
func (a *MACAllocator) Seed(vmID, mac string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leased[vmID] = mac
	a.used[mac] = true
}

// Allocate returns a MAC address for vmID, generating a fresh one on
// first call and returning the same lease on subsequent calls.
func (a *MACAllocator) Allocate(vmID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mac, ok := a.leased[vmID]; ok {
		return mac
	}

	h := fnv.New64a()
	h.Write([]byte(vmID))
	seed := h.Sum64()

	mac := macFromSeed(seed)
	for attempt := uint64(1); a.used[mac]; attempt++ {
		mac = macFromSeed(seed + attempt)
	}

	a.leased[vmID] = mac
	a.used[mac] = true
	return mac
}

// Release frees vmID's MAC lease.
func (a *MACAllocator) Release(vmID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mac, ok := a.leased[vmID]
	if !ok {
		return
	}
	delete(a.leased, vmID)
	delete(a.used, mac)
}

// CleanupStale releases every MAC held by a vm_id not in activeIDs.
func (a *MACAllocator) CleanupStale(activeIDs map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for vmID, mac := range a.leased {
		if activeIDs[vmID] {
			continue
		}
		delete(a.leased, vmID)
		delete(a.used, mac)
	}
}

// macFromSeed derives a locally-administered, unicast MAC address from a
// 64-bit seed.
func macFromSeed(seed uint64) string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(seed >> (uint(i) * 8))
	}
	b[0] = (b[0] | 0x02) &^ 0x01 // locally administered, unicast
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
