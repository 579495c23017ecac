// Package ledger defines the structured events the router and DHT emit to
// an external, advisory ledger sink (§4.9, §6). Acceptance into the ledger
// is never required for operation — Append failures are logged and
// swallowed by callers, never propagated as a delivery failure.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

type EventKind int

const (
	EventDiscovery EventKind = iota
	EventTest
	EventMessage
	EventKeyExchange
)

// Event is the common envelope every ledger entry carries: a kind tag, the
// node's signature over the structured encoding of its fields, and the
// signer's NodeID.
type Event struct {
	Kind      EventKind
	Signer    identity.NodeID
	Signature []byte
	Time      time.Time

	// CorrelationID ties this entry to a request for admin-surface lookups
	// (§6) without being part of the signed payload: it is assigned by
	// whichever process appends the event, not agreed on with the peer the
	// event describes.
	CorrelationID uuid.UUID

	Discovery  *DiscoveryEvent
	Test       *TestEvent
	Message    *MessageEvent
	KeyExchange *KeyExchangeEvent
}

type DiscoveryEvent struct {
	NodeID     identity.NodeID
	Adapters   []string
	ObservedBy identity.NodeID
}

type TestEvent struct {
	Src, Dst identity.NodeID
	Adapter  string
	RTT      time.Duration
	Bandwidth int64
	OK       bool
}

type MessageEvent struct {
	MessageID [16]byte
	Src, Dst  identity.NodeID
	Adapter   string
	Delivered bool
}

type KeyExchangeEvent struct {
	A, B               identity.NodeID
	SessionFingerprint [32]byte
}

const eventTag = "MM-Ledger-v1"

func (e *Event) signedFields() [][]byte {
	var kind [1]byte
	kind[0] = byte(e.Kind)
	var ts [8]byte
	t := uint64(e.Time.Unix())
	for i := 7; i >= 0; i-- {
		ts[i] = byte(t)
		t >>= 8
	}
	fields := [][]byte{kind[:], ts[:]}
	switch e.Kind {
	case EventDiscovery:
		d := e.Discovery
		fields = append(fields, d.NodeID[:], d.ObservedBy[:])
		for _, a := range d.Adapters {
			fields = append(fields, []byte(a))
		}
	case EventTest:
		te := e.Test
		var rtt, bw [8]byte
		r, w := uint64(te.RTT), uint64(te.Bandwidth)
		for i := 7; i >= 0; i-- {
			rtt[i], bw[i] = byte(r), byte(w)
			r >>= 8
			w >>= 8
		}
		ok := []byte{0}
		if te.OK {
			ok[0] = 1
		}
		fields = append(fields, te.Src[:], te.Dst[:], []byte(te.Adapter), rtt[:], bw[:], ok)
	case EventMessage:
		m := e.Message
		delivered := []byte{0}
		if m.Delivered {
			delivered[0] = 1
		}
		fields = append(fields, m.MessageID[:], m.Src[:], m.Dst[:], []byte(m.Adapter), delivered)
	case EventKeyExchange:
		k := e.KeyExchange
		fields = append(fields, k.A[:], k.B[:], k.SessionFingerprint[:])
	}
	return fields
}

// Sign signs the event's structured encoding under the node's long-term
// identity.
func (e *Event) Sign(id *identity.Identity) {
	e.Signer = id.NodeID
	e.Signature = id.SignStructured(eventTag, e.signedFields()...)
}

// Verify checks e's signature against pub.
func (e *Event) Verify(pub []byte) bool {
	return identity.VerifyStructured(pub, eventTag, e.Signature, e.signedFields()...)
}

// Sink is the external collaborator the router/DHT push events to.
// Append failures are non-fatal per §6.
type Sink interface {
	Append(e Event) error
}

// NopSink discards every event; useful as a default when no real ledger is
// configured, keeping every caller's Append error path always present
// (never nil-checked away).
type NopSink struct{}

func (NopSink) Append(Event) error { return nil }

// MemorySink is a reference in-memory ledger used by tests and by
// deployments that only need process-local audit history.
type MemorySink struct {
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(e Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *MemorySink) Events() []Event {
	return append([]Event(nil), m.events...)
}
