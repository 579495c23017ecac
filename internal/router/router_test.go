package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/adapter"
	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/ledger"
)

func genIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateIdentity(context.Background(), 0)
	require.NoError(t, err)
	return id
}

type mapKeyResolver struct {
	mu   sync.Mutex
	keys map[identity.NodeID][]byte
}

func newMapKeyResolver() *mapKeyResolver {
	return &mapKeyResolver{keys: make(map[identity.NodeID][]byte)}
}

func (r *mapKeyResolver) add(id *identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id.NodeID] = id.Public
}

func (r *mapKeyResolver) ResolvePublicKey(_ context.Context, id identity.NodeID) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	return k, ok
}

type mapDestResolver struct {
	mu   sync.Mutex
	info map[identity.NodeID]dht.PublicNodeInfo
}

func newMapDestResolver() *mapDestResolver {
	return &mapDestResolver{info: make(map[identity.NodeID]dht.PublicNodeInfo)}
}

func (r *mapDestResolver) add(id identity.NodeID, adapterName string, addr []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info[id] = dht.PublicNodeInfo{NodeID: id, Adapters: []dht.AdapterDescriptor{{Type: adapterName, Address: addr}}}
}

func (r *mapDestResolver) Resolve(_ context.Context, id identity.NodeID) (dht.PublicNodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.info[id]
	return info, ok
}

type recordingSink struct {
	mu  sync.Mutex
	got []*codec.Message
}

func (s *recordingSink) OnLocalMessage(m *codec.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

func (s *recordingSink) messages() []*codec.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*codec.Message(nil), s.got...)
}

var testCaps = adapter.Capabilities{
	TypicalLatency: 10 * time.Millisecond, TypicalBandwidth: 10_000_000,
	Reliability: 0.99, MaxMTU: 2048, TypicalCost: 0.1, TypicalPower: 0.1,
	Reachability: adapter.ReachabilityLocal,
}

func buildRouter(t *testing.T, id *identity.Identity, keyRes *mapKeyResolver, destRes *mapDestResolver, sink *recordingSink) (*Router, *ledger.MemorySink) {
	t.Helper()
	keyRes.add(id)
	ml := ledger.NewMemorySink()
	r := New(id, keyRes, destRes, sink, ml)
	return r, ml
}

func TestSendDeliversBetweenTwoRouters(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)

	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	bus := adapter.NewMemoryBus()
	aliceAdapter := adapter.NewMemoryAdapter(bus, "alice", 16, testCaps)
	bobAdapter := adapter.NewMemoryAdapter(bus, "bob", 16, testCaps)

	rAlice, _ := buildRouter(t, alice, keyRes, destRes, sinkA)
	rBob, _ := buildRouter(t, bob, keyRes, destRes, sinkB)
	keyRes.add(bob)
	keyRes.add(alice)

	destRes.add(bob.NodeID, "memory", []byte("bob"))

	rAlice.RegisterAdapter("memory", aliceAdapter)
	rBob.RegisterAdapter("memory", bobAdapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rAlice.ProcessQueue(ctx, "memory")

	outcome, err := rAlice.Send(ctx, []byte("hello bob"), bob.NodeID, codec.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, OutcomeEnqueued, outcome)

	var incoming adapter.Incoming
	select {
	case incoming = <-bobAdapter.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	out, err := rBob.HandleInbound(ctx, "memory", incoming.Frame)
	require.NoError(t, err)
	require.Equal(t, OutcomeEnqueued, out)

	msgs := sinkB.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hello bob"), msgs[0].Payload)
}

func TestSendUnknownDestinationStoresOffline(t *testing.T) {
	alice := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, alice, keyRes, destRes, sink)

	unknown := genIdentity(t)
	outcome, err := r.Send(context.Background(), []byte("data"), unknown.NodeID, codec.PriorityLow)
	require.NoError(t, err)
	require.Equal(t, OutcomeAcceptedForStoreAndForward, outcome)
	require.True(t, r.isNegativelyCached(unknown.NodeID, time.Now()))
}

func TestHandleInboundRejectsBadSignature(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, bob, keyRes, destRes, sink)
	keyRes.add(alice)

	m := &codec.Message{
		Version: codec.Version, Priority: codec.PriorityNormal, TTL: codec.DefaultTTL,
		Source: alice.NodeID, Destination: bob.NodeID, Timestamp: uint64(time.Now().Unix()),
		Payload: []byte("x"),
	}
	require.NoError(t, m.Sign(alice.Private()))
	m.Payload = []byte("y") // tamper after signing
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	_, err = r.HandleInbound(context.Background(), "memory", frame)
	require.Error(t, err)
}

func TestHandleInboundRejectsUnknownSender(t *testing.T) {
	bob := genIdentity(t)
	stranger := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, bob, keyRes, destRes, sink)

	m := &codec.Message{
		Version: codec.Version, Priority: codec.PriorityNormal, TTL: codec.DefaultTTL,
		Source: stranger.NodeID, Destination: bob.NodeID, Timestamp: uint64(time.Now().Unix()),
		Payload: []byte("x"),
	}
	require.NoError(t, m.Sign(stranger.Private()))
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	_, err = r.HandleInbound(context.Background(), "memory", frame)
	require.Error(t, err)
}

func TestHandleInboundRejectsExpiredTimestamp(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, bob, keyRes, destRes, sink)
	keyRes.add(alice)

	m := &codec.Message{
		Version: codec.Version, Priority: codec.PriorityNormal, TTL: codec.DefaultTTL,
		Source: alice.NodeID, Destination: bob.NodeID,
		Timestamp: uint64(time.Now().Add(-time.Hour).Unix()),
		Payload:   []byte("x"),
	}
	require.NoError(t, m.Sign(alice.Private()))
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	_, err = r.HandleInbound(context.Background(), "memory", frame)
	require.Error(t, err)
}

func TestHandleInboundDedupDropsReplay(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, bob, keyRes, destRes, sink)
	keyRes.add(alice)

	m := &codec.Message{
		Version: codec.Version, Priority: codec.PriorityNormal, TTL: codec.DefaultTTL,
		Source: alice.NodeID, Destination: bob.NodeID, Timestamp: uint64(time.Now().Unix()),
		Payload: []byte("x"),
	}
	require.NoError(t, m.Sign(alice.Private()))
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	out1, err1 := r.HandleInbound(context.Background(), "memory", frame)
	require.NoError(t, err1)
	require.Equal(t, OutcomeEnqueued, out1)

	out2, err2 := r.HandleInbound(context.Background(), "memory", frame)
	require.NoError(t, err2)
	require.Equal(t, OutcomeRejected, out2)

	require.Len(t, sink.messages(), 1)
}

func TestHandleInboundRejectsZeroTTL(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, bob, keyRes, destRes, sink)
	keyRes.add(alice)

	m := &codec.Message{
		Version: codec.Version, Priority: codec.PriorityNormal, TTL: 1,
		Source: alice.NodeID, Destination: bob.NodeID, Timestamp: uint64(time.Now().Unix()),
		Payload: []byte("x"),
	}
	require.NoError(t, m.Sign(alice.Private()))
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	_, err = r.HandleInbound(context.Background(), "memory", frame)
	require.Error(t, err)
}

func TestHandleInboundRateLimitRejectsBurst(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, bob, keyRes, destRes, sink)
	keyRes.add(alice)

	rejected := 0
	for i := 0; i < PerPeerBurst+20; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		m := &codec.Message{
			Version: codec.Version, Priority: codec.PriorityNormal, TTL: codec.DefaultTTL,
			MessageID: codec.DeriveMessageID(alice.NodeID, uint64(i), uint64(time.Now().Unix()), payload),
			Source:    alice.NodeID, Destination: bob.NodeID, Timestamp: uint64(time.Now().Unix()),
			Payload: payload,
		}
		require.NoError(t, m.Sign(alice.Private()))
		frame, err := codec.Encode(m)
		require.NoError(t, err)
		_, err = r.HandleInbound(context.Background(), "memory", frame)
		if err != nil {
			rejected++
		}
	}
	require.Greater(t, rejected, 0)
}

func TestRelaySignedDeliversRawAddressedFrame(t *testing.T) {
	alice := genIdentity(t)
	bob := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	rAlice, _ := buildRouter(t, alice, keyRes, destRes, sink)

	bus := adapter.NewMemoryBus()
	aliceAdapter := adapter.NewMemoryAdapter(bus, "alice", 16, testCaps)
	bobAdapter := adapter.NewMemoryAdapter(bus, "bob", 16, testCaps)
	rAlice.RegisterAdapter("memory", aliceAdapter)

	err := rAlice.RelaySigned(context.Background(), "memory", []byte("bob"), []byte("peeled onion layer"))
	require.NoError(t, err)

	select {
	case incoming := <-bobAdapter.Incoming():
		msg, err := codec.Decode(incoming.Frame)
		require.NoError(t, err)
		require.Equal(t, codec.TypeOnionLayer, msg.Type)
		require.Equal(t, []byte("peeled onion layer"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed frame")
	}
}

func TestRelaySignedUnknownAdapterErrors(t *testing.T) {
	alice := genIdentity(t)
	keyRes := newMapKeyResolver()
	destRes := newMapDestResolver()
	sink := &recordingSink{}
	r, _ := buildRouter(t, alice, keyRes, destRes, sink)

	err := r.RelaySigned(context.Background(), "nope", []byte("addr"), []byte("payload"))
	require.Error(t, err)
}

func TestBestAdapterScoringPicksHigherReliability(t *testing.T) {
	low := testCaps
	low.Reliability = 0.5
	high := testCaps
	high.Reliability = 0.99

	name, ok := BestAdapter(codec.PriorityEmergency, []Candidate{
		{Name: "low", Caps: low},
		{Name: "high", Caps: high},
	})
	require.True(t, ok)
	require.Equal(t, "high", name)
}
