package adapter

import (
	"context"
	"sync"
)

// MemoryAdapter is an in-process adapter used by router/privacy tests and by
// any deployment wanting a loopback transport; it has no teacher precedent
// (the teacher never isolates a transport behind an interface) and exists
// purely to let the rest of the system exercise the Adapter contract
// without a real network.
type MemoryAdapter struct {
	mu    sync.Mutex
	peers map[string]*MemoryAdapter

	self     string
	incoming chan Incoming
	caps     Capabilities
}

// NewMemoryBus creates a shared registry of MemoryAdapters addressed by
// name, so tests can wire up several "nodes" that deliver to each other's
// channels directly.
func NewMemoryBus() map[string]*MemoryAdapter {
	return make(map[string]*MemoryAdapter)
}

func NewMemoryAdapter(bus map[string]*MemoryAdapter, self string, incomingCapacity int, caps Capabilities) *MemoryAdapter {
	a := &MemoryAdapter{peers: bus, self: self, incoming: make(chan Incoming, incomingCapacity), caps: caps}
	bus[self] = a
	return a
}

func (a *MemoryAdapter) Capabilities() Capabilities { return a.caps.Clamp() }
func (a *MemoryAdapter) Start(context.Context) error { return nil }
func (a *MemoryAdapter) Stop(context.Context) error  { return nil }

func (a *MemoryAdapter) Send(_ context.Context, addr Address, frame []byte) error {
	if addr.AdapterType != "memory" {
		return ErrAddressInvalid
	}
	a.mu.Lock()
	peer, ok := a.peers[string(addr.Raw)]
	a.mu.Unlock()
	if !ok {
		return ErrAddressInvalid
	}
	in := Incoming{From: Address{AdapterType: "memory", Raw: []byte(a.self)}, Frame: frame}
	select {
	case peer.incoming <- in:
		return nil
	default:
		return ErrTransientIO
	}
}

func (a *MemoryAdapter) Incoming() <-chan Incoming { return a.incoming }

func (a *MemoryAdapter) ParseAddress(s string) (Address, error) {
	return Address{AdapterType: "memory", Raw: []byte(s)}, nil
}

func (a *MemoryAdapter) SupportsAddress(addr Address) bool { return addr.AdapterType == "memory" }

func (a *MemoryAdapter) Test(context.Context, Address) (TestResult, error) {
	return TestResult{RTT: a.caps.TypicalLatency, ThroughputBPS: a.caps.TypicalBandwidth, LossRatio: 1 - a.caps.Reliability}, nil
}
