package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/adapter"
	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/privacy"
)

func TestEstablishChannelCompletesOnBothSides(t *testing.T) {
	bus := adapter.NewMemoryBus()
	alice, _ := buildNode(t, bus, "alice")
	bob, _ := buildNode(t, bus, "bob")
	insertPeer(t, alice, bob, "bob")
	insertPeer(t, bob, alice, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.Start(ctx)
	bob.Start(ctx)
	defer alice.Stop(context.Background())
	defer bob.Stop(context.Background())

	require.NoError(t, alice.EstablishChannel(ctx, bob.Identity.NodeID))

	require.Eventually(t, func() bool {
		_, aliceOK := alice.Channels.Get(bob.Identity.NodeID)
		_, bobOK := bob.Channels.Get(alice.Identity.NodeID)
		return aliceOK && bobOK
	}, 2*time.Second, 10*time.Millisecond, "handshake must complete on both ends")
}

func TestPublishReplicatesAndFindValueHitsLocalStore(t *testing.T) {
	bus := adapter.NewMemoryBus()
	alice, _ := buildNode(t, bus, "alice")
	bob, _ := buildNode(t, bus, "bob")
	insertPeer(t, alice, bob, "bob")
	insertPeer(t, bob, alice, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.Start(ctx)
	bob.Start(ctx)
	defer alice.Stop(context.Background())
	defer bob.Stop(context.Background())

	key := dht.HashKey([]byte("wiring-test-key"))
	require.NoError(t, alice.Publish(ctx, key, []byte("wiring-test-value"), time.Hour))

	require.Eventually(t, func() bool {
		sv, found, err := bob.FindValue(ctx, key)
		return err == nil && found && string(sv.Value) == "wiring-test-value"
	}, 2*time.Second, 10*time.Millisecond, "STORE replication must land in bob's local value store")
}

func TestFindNodeDiscoversPeerThroughRelay(t *testing.T) {
	bus := adapter.NewMemoryBus()
	alice, _ := buildNode(t, bus, "alice")
	bob, _ := buildNode(t, bus, "bob")
	carol, _ := buildNode(t, bus, "carol")

	// alice only knows bob; bob knows carol. alice's FIND_NODE for carol
	// must be answered by bob's routing-table lookup, not a direct entry.
	insertPeer(t, alice, bob, "bob")
	insertPeer(t, bob, alice, "alice")
	insertPeer(t, bob, carol, "carol")
	insertPeer(t, carol, bob, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.Start(ctx)
	bob.Start(ctx)
	carol.Start(ctx)
	defer alice.Stop(context.Background())
	defer bob.Stop(context.Background())
	defer carol.Stop(context.Background())

	answers, err := alice.FindNode(ctx, carol.Identity.NodeID)
	require.NoError(t, err)

	found := false
	for _, a := range answers {
		if a.NodeID == carol.Identity.NodeID {
			found = true
		}
	}
	require.True(t, found, "carol must appear among alice's FIND_NODE answers via bob")
}

func TestSendAnonymousDeliversThroughRelayChain(t *testing.T) {
	bus := adapter.NewMemoryBus()
	alice, _ := buildNode(t, bus, "alice")
	relay1, _ := buildNode(t, bus, "relay1")
	relay2, _ := buildNode(t, bus, "relay2")
	relay3, _ := buildNode(t, bus, "relay3")
	dest, _ := buildNode(t, bus, "dest")
	relays := []*Node{relay1, relay2, relay3}

	// alice needs every relay and dest addressable (for the hop pool and
	// the final NextAddress); each hop needs the previous hop's key to
	// verify that hop's signature. SelectHops may put the relays in any
	// order, so every relay knows alice and the other relays, and dest
	// knows every relay.
	names := map[*Node]string{relay1: "relay1", relay2: "relay2", relay3: "relay3"}
	for _, r := range relays {
		insertPeer(t, alice, r, names[r])
		insertPeer(t, r, alice, "alice")
		insertPeer(t, dest, r, names[r])
		for _, other := range relays {
			if other != r {
				insertPeer(t, r, other, names[other])
			}
		}
	}
	insertPeer(t, alice, dest, "dest")

	// Pre-seed every hop's onion pubkey into alice's own value store,
	// bypassing the FIND_VALUE network round trip (covered separately
	// above) so this test stays focused on the onion build/relay/peel path.
	for _, peer := range append(append([]*Node{}, relays...), dest) {
		sv := dht.SignStore(peer.Identity, dht.OnionPubStoreKey(peer.Identity.NodeID), peer.OnionKey.Pub[:], time.Now().Add(time.Hour))
		require.NoError(t, alice.Store.Put(sv))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.Start(ctx)
	for _, r := range relays {
		r.Start(ctx)
	}
	dest.Start(ctx)
	defer alice.Stop(context.Background())
	for _, r := range relays {
		r := r
		defer r.Stop(context.Background())
	}
	defer dest.Stop(context.Background())

	err := alice.SendAnonymous(ctx, []byte("onion payload"), dest.Identity.NodeID, privacy.MinHopCount, privacy.PolicyBalanced)
	require.NoError(t, err)

	for _, r := range relays {
		r := r
		require.Eventually(t, func() bool {
			return r.Router.DedupSize() > 0
		}, 2*time.Second, 10*time.Millisecond, "each relay must see and dedup-record its onion layer")
	}

	require.Eventually(t, func() bool {
		return dest.Router.DedupSize() > 0
	}, 2*time.Second, 10*time.Millisecond, "dest must see and dedup-record the final onion layer")
}
