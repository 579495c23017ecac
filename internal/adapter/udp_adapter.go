package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPAdapter is a connectionless adapter requiring the signed wrapper
// (§4.5, §6: pub32||frame||sig64) since raw UDP carries no authentication
// of its own. It generalizes the teacher's discover.go multicast
// broadcaster/listener pair — which wraps an encrypted beacon payload with
// a pre-shared key — into a point-to-point unicast send/receive adapter
// whose authentication is per-sender Ed25519, not a shared beacon secret.
type UDPAdapter struct {
	conn *net.UDPConn

	sign   func([]byte) []byte
	verify func(pub, msg, sig []byte) bool
	pub    []byte

	incoming chan Incoming
	log      *logrus.Entry

	mu      sync.Mutex
	started bool
}

// NewUDPAdapter binds a UDP socket at laddr. sign/verify/pub wire the
// node's long-term Ed25519 key into the signed-wrapper codec so this
// package never touches key material directly.
func NewUDPAdapter(laddr string, incomingCapacity int, pub []byte, sign func([]byte) []byte, verify func(pub, msg, sig []byte) bool, log *logrus.Entry) (*UDPAdapter, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInvalid, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return &UDPAdapter{
		conn: conn, sign: sign, verify: verify, pub: pub,
		incoming: make(chan Incoming, incomingCapacity), log: log,
	}, nil
}

func (a *UDPAdapter) Capabilities() Capabilities {
	return Capabilities{
		TypicalLatency: 30 * time.Millisecond, TypicalBandwidth: 50_000_000,
		Reliability: 0.9, MaxMTU: 1472, TypicalCost: 0.05, TypicalPower: 0.4,
		Reachability: ReachabilityRegional,
	}.Clamp()
}

func (a *UDPAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	go a.recvLoop(ctx)
	return nil
}

func (a *UDPAdapter) Stop(_ context.Context) error {
	return a.conn.Close()
}

func (a *UDPAdapter) recvLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if a.log != nil {
				a.log.WithError(err).Warn("udp adapter: read error")
			}
			continue
		}

		_, frame, ok := UnwrapSigned(append([]byte(nil), buf[:n]...), a.verify)
		if !ok {
			continue
		}
		in := Incoming{From: Address{AdapterType: "udp", Raw: []byte(src.String())}, Frame: frame}
		select {
		case a.incoming <- in:
		default:
			if a.log != nil {
				a.log.Warn("udp adapter: incoming channel full, dropping frame")
			}
		}
	}
}

func (a *UDPAdapter) Send(_ context.Context, addr Address, frame []byte) error {
	if addr.AdapterType != "udp" {
		return ErrAddressInvalid
	}
	if len(frame) > a.Capabilities().MaxMTU {
		return ErrFrameTooLarge
	}
	dst, err := net.ResolveUDPAddr("udp", string(addr.Raw))
	if err != nil {
		return ErrAddressInvalid
	}
	wrapped := WrapSigned(a.pub, frame, a.sign)
	if _, err := a.conn.WriteToUDP(wrapped, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return nil
}

func (a *UDPAdapter) Incoming() <-chan Incoming { return a.incoming }

func (a *UDPAdapter) ParseAddress(s string) (Address, error) {
	if _, err := net.ResolveUDPAddr("udp", s); err != nil {
		return Address{}, ErrAddressInvalid
	}
	return Address{AdapterType: "udp", Raw: []byte(s)}, nil
}

func (a *UDPAdapter) SupportsAddress(addr Address) bool {
	return addr.AdapterType == "udp"
}

func (a *UDPAdapter) Test(ctx context.Context, addr Address) (TestResult, error) {
	start := time.Now()
	if err := a.Send(ctx, addr, []byte("ping")); err != nil {
		return TestResult{}, err
	}
	return TestResult{RTT: time.Since(start)}, nil
}
