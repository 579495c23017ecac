package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/sirupsen/logrus"
)

// MeshProtocol is the libp2p stream protocol MyriadMesh frames travel over,
// the direct generalization of the teacher's protoChat/protoFile constants
// in constants.go into a single protocol carrying codec.Message bytes
// instead of one protocol per application feature.
const MeshProtocol = "/myriadmesh/frame/1.0.0"

const mdnsServiceTag = "myriadmesh-mdns"

// LibP2PAdapter is the Global/Regional-reach adapter backed by libp2p host,
// grounding the teacher's node.go newNode/pingLoop/nearestPeer. It exposes
// QUIC, WebRTC and TCP transports the way the teacher's buildListenAddrs
// does, plus mDNS peer discovery via the teacher's mdnsNotifeeImpl pattern.
type LibP2PAdapter struct {
	h host.Host

	mu   sync.Mutex
	rtts map[peer.ID]time.Duration

	incoming chan Incoming
	cancel   context.CancelFunc

	log *logrus.Entry
}

type mdnsNotifee struct{ h host.Host }

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	_ = m.h.Connect(context.Background(), info)
}

// NewLibP2PAdapter builds the libp2p host identified by priv (the node's
// long-term key, converted to libp2p's crypto.PrivKey by the orchestration
// layer — internal/identity's Ed25519 keys map directly via
// p2pcrypto.UnmarshalEd25519PrivateKey on the raw seed||pub bytes).
func NewLibP2PAdapter(priv p2pcrypto.PrivKey, incomingCapacity int, log *logrus.Entry) (*LibP2PAdapter, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(
			"/ip4/0.0.0.0/tcp/0",
			"/ip6/::/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
			"/ip6/::/udp/0/quic-v1",
		),
	)
	if err != nil {
		return nil, err
	}

	a := &LibP2PAdapter{
		h:        h,
		rtts:     make(map[peer.ID]time.Duration),
		incoming: make(chan Incoming, incomingCapacity),
		log:      log,
	}
	h.SetStreamHandler(MeshProtocol, a.handleStream)
	return a, nil
}

func (a *LibP2PAdapter) handleStream(s network.Stream) {
	defer s.Close()
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, err := s.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	if len(buf) == 0 {
		return
	}
	in := Incoming{From: Address{AdapterType: "libp2p", Raw: []byte(s.Conn().RemotePeer())}, Frame: buf}
	select {
	case a.incoming <- in:
	default:
		if a.log != nil {
			a.log.Warn("libp2p adapter: incoming channel full, dropping frame")
		}
	}
}

func (a *LibP2PAdapter) Capabilities() Capabilities {
	return Capabilities{
		TypicalLatency:   50 * time.Millisecond,
		TypicalBandwidth: 10_000_000,
		Reliability:      0.95,
		MaxMTU:            1 << 16,
		TypicalCost:      0.1,
		TypicalPower:     0.3,
		RangeMeters:      0,
		Reachability:     ReachabilityGlobal,
	}.Clamp()
}

func (a *LibP2PAdapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	_ = mdns.NewMdnsService(a.h, mdnsServiceTag, &mdnsNotifee{h: a.h})
	go a.pingLoop(runCtx)
	return nil
}

func (a *LibP2PAdapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.h.Close()
}

// pingLoop tracks per-peer RTT the way the teacher's node.go does, feeding
// Test()'s on-demand latency figure from a rolling cache instead of probing
// synchronously on every call.
func (a *LibP2PAdapter) pingLoop(ctx context.Context) {
	svc := ping.NewPingService(a.h)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range a.h.Network().Peers() {
				ch := svc.Ping(ctx, pid)
				select {
				case res := <-ch:
					if res.Error == nil {
						a.mu.Lock()
						a.rtts[pid] = res.RTT
						a.mu.Unlock()
					}
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (a *LibP2PAdapter) Send(ctx context.Context, addr Address, frame []byte) error {
	if addr.AdapterType != "libp2p" {
		return ErrAddressInvalid
	}
	pid := peer.ID(addr.Raw)
	s, err := a.h.NewStream(ctx, pid, MeshProtocol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	defer s.Close()
	if _, err := s.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return nil
}

func (a *LibP2PAdapter) Incoming() <-chan Incoming { return a.incoming }

func (a *LibP2PAdapter) ParseAddress(s string) (Address, error) {
	pid, err := peer.Decode(s)
	if err != nil {
		return Address{}, ErrAddressInvalid
	}
	return Address{AdapterType: "libp2p", Raw: []byte(pid)}, nil
}

func (a *LibP2PAdapter) SupportsAddress(addr Address) bool {
	return addr.AdapterType == "libp2p"
}

func (a *LibP2PAdapter) Test(_ context.Context, addr Address) (TestResult, error) {
	if addr.AdapterType != "libp2p" {
		return TestResult{}, ErrAddressInvalid
	}
	a.mu.Lock()
	rtt := a.rtts[peer.ID(addr.Raw)]
	a.mu.Unlock()
	return TestResult{RTT: rtt, ThroughputBPS: 0, LossRatio: 0}, nil
}
