// Package events defines the orchestrator's state-change event bus and
// two implementations: an in-process channel bus (the default) and a
// NATS-publishing bus for operators who want events fanned out off-host.
// Both satisfy the same non-blocking, best-effort contract: subscribers
// that cannot keep up drop events rather than stall a VM operation. The
// persisted record set is always the authoritative state; the bus is a
// convenience signal on top of it.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Kind enumerates the named state-change events the coordinator emits.
type Kind string

const (
	KindCreated Kind = "created"
	KindBooting Kind = "booting"
	KindStarted Kind = "started"
	KindStopped Kind = "stopped"
	KindPaused  Kind = "paused"
	KindDeleted Kind = "deleted"
	KindError   Kind = "error"

	KindWarmupStarted     Kind = "warmup:started"
	KindWarmupBooting     Kind = "warmup:booting"
	KindWarmupPausing     Kind = "warmup:pausing"
	KindWarmupSnapshotted Kind = "warmup:snapshotted"
	KindWarmupComplete    Kind = "warmup:complete"
	KindWarmupError       Kind = "warmup:error"
)

// Event is one state-change notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	VMID      string    `json:"vm_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes events to whatever subscribers are attached. Publish must
// never block the caller and must never return an error the caller is
// expected to act on — delivery is best-effort.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of future events and a cancel func. The
	// channel is closed after cancel is called.
	Subscribe(bufferSize int) (<-chan Event, func())
}

// ChannelBus is the default in-process Bus: subscribers are buffered
// channels, and a full subscriber buffer causes that event to be dropped
// for that subscriber rather than blocking the publisher.
type ChannelBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewChannelBus constructs an empty in-process bus.
func NewChannelBus() *ChannelBus {
	return &ChannelBus{subs: make(map[int]chan Event)}
}

func (b *ChannelBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber buffer full: drop. canonical state lives in the store.
		}
	}
}

func (b *ChannelBus) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// natsPublisher is the minimal surface ChannelBus's NATS-backed sibling
// needs from a *nats.Conn, kept narrow so tests can substitute a fake.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSBus wraps a ChannelBus (so in-process subscribers still work) and
// additionally publishes every event to a NATS subject, grounded on the
// corpus's JetStream event-publishing pattern. A publish failure is
// logged and otherwise ignored — NATS delivery is an enrichment, not a
// correctness requirement.
type NATSBus struct {
	*ChannelBus
	nc      natsPublisher
	subject string
}

// NewNATSBus wraps local with a NATS publish step addressed at subject.
func NewNATSBus(local *ChannelBus, nc natsPublisher, subject string) *NATSBus {
	if subject == "" {
		subject = "vmcore.events"
	}
	return &NATSBus{ChannelBus: local, nc: nc, subject: subject}
}

func (b *NATSBus) Publish(e Event) {
	b.ChannelBus.Publish(e)

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("events: marshal %s for %s: %v", e.Kind, e.VMID, err)
		return
	}
	subject := b.subject + "." + string(e.Kind)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Printf("events: nats publish %s for %s: %v", e.Kind, e.VMID, err)
	}
}
