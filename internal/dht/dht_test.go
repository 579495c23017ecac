package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

func genIdentity(t *testing.T, difficulty int) *identity.Identity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := identity.GenerateIdentity(ctx, difficulty)
	require.NoError(t, err)
	return id
}

func nodeInfoFor(id *identity.Identity, addr []byte) NodeInfo {
	return NodeInfo{
		NodeID: id.NodeID, PoWNonce: id.PoWNonce, PublicKey: id.Public,
		Adapters: []AdapterDescriptor{{Type: "udp", Address: addr}},
		LastSeen: time.Now(), FirstSeen: time.Now(),
	}
}

func TestInsertRejectsInvalidPoW(t *testing.T) {
	self := genIdentity(t, 4)
	rt := NewRoutingTable(self.NodeID)

	peer := genIdentity(t, 4)
	info := nodeInfoFor(peer, []byte{10, 0, 0, 1})
	info.PoWNonce = 0 // almost certainly wrong for difficulty 16 default

	err := rt.Insert(info)
	require.ErrorIs(t, err, ErrInvalidPoW)
}

func TestInsertAndClosest(t *testing.T) {
	self := genIdentity(t, 4)
	rt := NewRoutingTable(self.NodeID)

	peer := genIdentity(t, 16)
	require.NoError(t, rt.Insert(nodeInfoFor(peer, []byte{10, 0, 0, 1})))

	closest := rt.Closest(peer.NodeID, 5)
	require.Len(t, closest, 1)
	require.Equal(t, peer.NodeID, closest[0].NodeID)
}

func TestDiversityRuleRejectsThirdSubnetPeer(t *testing.T) {
	self := genIdentity(t, 4)
	rt := NewRoutingTable(self.NodeID)

	for i := 0; i < maxPerSubnetV4; i++ {
		p := genIdentity(t, 16)
		require.NoError(t, rt.Insert(nodeInfoFor(p, []byte{10, 0, 0, byte(i + 1)})))
	}

	extra := genIdentity(t, 16)
	err := rt.Insert(nodeInfoFor(extra, []byte{10, 0, 0, 99}))
	require.ErrorIs(t, err, ErrDiversityViolation)
}

func TestStorePutGetRoundTrip(t *testing.T) {
	publisher := genIdentity(t, 4)
	s := NewStore(1000, 1_000_000)

	key := HashKey([]byte("hello"))
	sv := SignStore(publisher, key, []byte("world"), time.Now().Add(time.Hour))
	require.NoError(t, s.Put(sv))

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got.Value)
}

func TestStoreRejectsBadSignature(t *testing.T) {
	publisher := genIdentity(t, 4)
	other := genIdentity(t, 4)
	s := NewStore(1000, 1_000_000)

	key := HashKey([]byte("hello"))
	sv := SignStore(publisher, key, []byte("world"), time.Now().Add(time.Hour))
	sv.PublisherKey = other.Public // swap in a key that doesn't match the signature

	err := s.Put(sv)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestStoreEnforcesQuota(t *testing.T) {
	publisher := genIdentity(t, 4)
	s := NewStore(10, 1_000_000) // quota = 10% of 10 = 1 key

	key1 := HashKey([]byte("a"))
	require.NoError(t, s.Put(SignStore(publisher, key1, []byte("v1"), time.Now().Add(time.Hour))))

	key2 := HashKey([]byte("b"))
	err := s.Put(SignStore(publisher, key2, []byte("v2"), time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestStoreSweepRemovesExpired(t *testing.T) {
	publisher := genIdentity(t, 4)
	s := NewStore(1000, 1_000_000)
	key := HashKey([]byte("expiring"))
	require.NoError(t, s.Put(SignStore(publisher, key, []byte("v"), time.Now().Add(-time.Second))))

	s.Sweep()
	_, err := s.Get(key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReputationNewPeerStartsAtPointTwo(t *testing.T) {
	r := NewReputation()
	require.Equal(t, newPeerScore, r.Score)
	require.False(t, r.IsTrustworthy())
}

func TestReputationTrustworthyRequiresBothThresholds(t *testing.T) {
	r := NewReputation()
	r.Score = 0.9
	r.RelayCount = 5
	require.False(t, r.IsTrustworthy())

	r.RelayCount = 100
	require.True(t, r.IsTrustworthy())
}

func TestIterativeLookupConvergesOnExactMatch(t *testing.T) {
	self := genIdentity(t, 4)
	target := genIdentity(t, 4)
	seedInfo := nodeInfoFor(target, []byte{1, 2, 3, 4})

	l := NewIterativeLookup(self.NodeID, target.NodeID, []NodeInfo{seedInfo})
	require.True(t, l.IsComplete())
}

func TestIterativeLookupBatchRespectsAlpha(t *testing.T) {
	self := genIdentity(t, 4)
	target := genIdentity(t, 4)

	var seed []NodeInfo
	for i := 0; i < Alpha+3; i++ {
		p := genIdentity(t, 4)
		seed = append(seed, nodeInfoFor(p, []byte{byte(i), 0, 0, 1}))
	}
	l := NewIterativeLookup(self.NodeID, target.NodeID, seed)
	batch := l.NextQueryBatch()
	require.LessOrEqual(t, len(batch), Alpha)
}
