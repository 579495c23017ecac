// Package adapter defines the transport abstraction the router drives
// (§4.5): a uniform capability model and send/receive contract that lets
// the router treat Ethernet/UDP, I2P, Bluetooth, LoRa, APRS, cellular, HF
// radio and dial-up transports identically. Concrete backends are external
// collaborators per spec.md §1; this package ships the contract, a libp2p
// backend (grounding the teacher's node.go host setup), a UDP backend, an
// in-process MemoryAdapter for tests, and the signed-wrapper logic every
// connectionless backend needs.
package adapter

import (
	"context"
	"errors"
	"time"
)

// Reachability classifies an adapter's expected range.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityLocal
	ReachabilityRegional
	ReachabilityGlobal
)

// Capabilities describes one adapter's advertised performance envelope
// (§4.5). Values are advisory after validation clamping.
type Capabilities struct {
	TypicalLatency   time.Duration
	TypicalBandwidth int64 // bits/sec
	Reliability      float64
	MaxMTU           int
	TypicalCost      float64
	TypicalPower     float64
	RangeMeters      float64
	Reachability     Reachability
}

// Clamp enforces the advisory ranges the spec calls out (reliability in
// [0,1]); callers of any externally-sourced Capabilities value must clamp
// before using it for scoring.
func (c Capabilities) Clamp() Capabilities {
	if c.Reliability < 0 {
		c.Reliability = 0
	}
	if c.Reliability > 1 {
		c.Reliability = 1
	}
	return c
}

// Address is an opaque, adapter-specific destination handle.
type Address struct {
	AdapterType string
	Raw         []byte
}

// TestResult is the outcome of an on-demand adapter probe.
type TestResult struct {
	RTT          time.Duration
	ThroughputBPS int64
	LossRatio    float64
}

// Errors an Adapter.Send may return (§4.5).
var (
	ErrNotReady      = errors.New("adapter: not ready")
	ErrAddressInvalid = errors.New("adapter: address invalid")
	ErrFrameTooLarge = errors.New("adapter: frame too large")
	ErrTransientIO   = errors.New("adapter: transient io error")
	ErrPermanentIO   = errors.New("adapter: permanent io error")
)

// Incoming is one frame received on an adapter, paired with the sender
// address it arrived from.
type Incoming struct {
	From  Address
	Frame []byte
}

// Adapter is the contract the router drives against every transport,
// regardless of backend (§4.5).
type Adapter interface {
	Capabilities() Capabilities
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, addr Address, frame []byte) error
	// Incoming returns the bounded channel of received frames (§5: bounded
	// everywhere, excess dropped with a metric increment — the channel's
	// buffer size IS the bound, enforced by the concrete adapter).
	Incoming() <-chan Incoming
	ParseAddress(s string) (Address, error)
	SupportsAddress(a Address) bool
	Test(ctx context.Context, addr Address) (TestResult, error)
}

// SignedWrapperOverhead is pub32 || ... || sig64 around frame_bytes
// (§4.5, §6). Length itself depends on frame size so this is just the
// fixed overhead.
const SignedWrapperOverhead = 32 + 64

// WrapSigned builds the signed wrapper connectionless adapters (notably
// plain UDP) require: pub_key(32) || frame || Ed25519 sig(64) over frame.
func WrapSigned(pub []byte, frame []byte, sign func([]byte) []byte) []byte {
	sig := sign(frame)
	out := make([]byte, 0, len(pub)+len(frame)+len(sig))
	out = append(out, pub...)
	out = append(out, frame...)
	out = append(out, sig...)
	return out
}

// UnwrapSigned splits a signed wrapper and verifies it, returning the inner
// frame bytes and the claimed public key on success.
func UnwrapSigned(wrapped []byte, verify func(pub, msg, sig []byte) bool) (pub, frame []byte, ok bool) {
	const pubSize, sigSize = 32, 64
	if len(wrapped) < pubSize+sigSize {
		return nil, nil, false
	}
	pub = wrapped[:pubSize]
	frame = wrapped[pubSize : len(wrapped)-sigSize]
	sig := wrapped[len(wrapped)-sigSize:]
	if !verify(pub, frame, sig) {
		return nil, nil, false
	}
	return pub, frame, true
}
