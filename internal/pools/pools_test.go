package pools

import (
	"errors"
	"strconv"
	"testing"

	"github.com/opensandbox/vmcore/internal/vmerr"
)

func testDevices(n int) []TAPDevice {
	devices := make([]TAPDevice, n)
	for i := range devices {
		devices[i] = TAPDevice{
			Name:     "tap" + string(rune('0'+i)),
			Bridge:   "br0",
			Gateway:  "10.0.0.1",
			GuestIPs: []string{"10.0.0.2"},
		}
	}
	return devices
}

func TestTAPPoolAllocateIdempotent(t *testing.T) {
	p := NewTAPPool(testDevices(2))

	a1, err := p.Allocate("vm-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a2, err := p.Allocate("vm-1")
	if err != nil {
		t.Fatalf("Allocate (repeat): %v", err)
	}
	if a1 != a2 {
		t.Errorf("expected idempotent allocation, got %+v then %+v", a1, a2)
	}
}

func TestTAPPoolExhaustion(t *testing.T) {
	p := NewTAPPool(testDevices(1))

	if _, err := p.Allocate("vm-1"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := p.Allocate("vm-2"); !errors.Is(err, vmerr.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestTAPPoolReleaseReturnsToPool(t *testing.T) {
	p := NewTAPPool(testDevices(1))

	a1, _ := p.Allocate("vm-1")
	p.Release("vm-1")

	a2, err := p.Allocate("vm-2")
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if a2.TAP != a1.TAP {
		t.Errorf("expected released tap to be reused, got %s vs %s", a2.TAP, a1.TAP)
	}
}

func TestSSHPortPoolAllocateIdempotent(t *testing.T) {
	p := NewSSHPortPool(20000, 20010)

	port1, err := p.Allocate("vm-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	port2, err := p.Allocate("vm-1")
	if err != nil {
		t.Fatalf("Allocate (repeat): %v", err)
	}
	if port1 != port2 {
		t.Errorf("expected idempotent port allocation, got %d then %d", port1, port2)
	}
}

func TestSSHPortPoolDistinctAcrossVMs(t *testing.T) {
	p := NewSSHPortPool(20000, 20010)

	port1, _ := p.Allocate("vm-1")
	port2, _ := p.Allocate("vm-2")
	if port1 == port2 {
		t.Errorf("expected distinct ports, got %d for both", port1)
	}
}

func TestMACAllocatorIdempotentAndUnique(t *testing.T) {
	a := NewMACAllocator()

	mac1 := a.Allocate("vm-1")
	mac1Again := a.Allocate("vm-1")
	if mac1 != mac1Again {
		t.Errorf("expected idempotent MAC allocation, got %s then %s", mac1, mac1Again)
	}

	mac2 := a.Allocate("vm-2")
	if mac1 == mac2 {
		t.Errorf("expected distinct MACs, got %s for both", mac1)
	}

	// Locally administered bit set, multicast bit cleared, on byte 0.
	firstByte, err := strconv.ParseUint(mac2[0:2], 16, 8)
	if err != nil {
		t.Fatalf("malformed mac %s: %v", mac2, err)
	}
	if firstByte&0x02 == 0 || firstByte&0x01 != 0 {
		t.Errorf("expected locally administered unicast first byte, got %02x in %s", firstByte, mac2)
	}
}

func TestMACAllocatorSeedPreventsCollision(t *testing.T) {
	a := NewMACAllocator()
	a.Seed("existing-vm", "02:00:00:00:00:01")

	for i := 0; i < 50; i++ {
		mac := a.Allocate("vm-" + string(rune('a'+i)))
		if mac == "02:00:00:00:00:01" {
			t.Fatalf("allocator produced a MAC already seeded as in-use")
		}
	}
}
