package node

import (
	"context"
	"errors"

	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/logging"
	"github.com/myriadmesh/myriadmesh/internal/privacy"
)

var (
	ErrNoOnionRoute    = errors.New("node: no eligible relays to build an onion route")
	ErrDestOnionUnknown = errors.New("node: destination's onion public key is not known")
)

// publishOnionPub republishes this node's onion-layer X25519 public key to
// the DHT so other nodes can address a final onion layer to it (§4.8).
func (n *Node) publishOnionPub(ctx context.Context) {
	key := dht.OnionPubStoreKey(n.Identity.NodeID)
	if err := n.Publish(ctx, key, n.OnionKey.Pub[:], dht.RecordTTL); err != nil {
		logging.For(n.log, logging.ComponentPrivacy).WithError(err).Warn("onion pubkey publish failed")
	}
}

// lookupOnionPub resolves id's onion public key, checking the local store
// first and falling back to a FIND_VALUE query (§4.8).
func (n *Node) lookupOnionPub(ctx context.Context, id identity.NodeID) ([32]byte, bool) {
	var pub [32]byte
	sv, found, err := n.FindValue(ctx, dht.OnionPubStoreKey(id))
	if err != nil || !found || len(sv.Value) != 32 {
		return pub, false
	}
	copy(pub[:], sv.Value)
	return pub, true
}

// buildHopPool assembles eligible onion-route candidates from the routing
// table, excluding exclude (typically the final destination, added
// separately as the route's last hop). Candidates need a published onion
// pubkey and at least one advertised adapter address to be addressable.
//
// Latency is a placeholder constant: NodeInfo carries no per-peer RTT
// measurement, so SelectHops' low-latency/balanced policies degrade to an
// arbitrary but stable ordering until real RTT sampling exists (an open
// question the spec leaves to the implementation).
func (n *Node) buildHopPool(ctx context.Context, exclude identity.NodeID, want int) []privacy.HopCandidate {
	const placeholderLatencyMS = 100

	candidates := n.RoutingTable.Closest(n.Identity.NodeID, want*8+dht.K)
	pool := make([]privacy.HopCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.NodeID == exclude || c.NodeID == n.Identity.NodeID {
			continue
		}
		if len(c.Adapters) == 0 {
			continue
		}
		onionPub, ok := n.lookupOnionPub(ctx, c.NodeID)
		if !ok {
			continue
		}
		pool = append(pool, privacy.HopCandidate{
			NodeID: c.NodeID, OnionPub: onionPub, NextAddress: c.Adapters[0].Address,
			Latency: placeholderLatencyMS * 1_000_000, // ms -> ns, as time.Duration
			Reliability: c.Reputation,
		})
	}
	return pool
}

// SendAnonymous builds an onion route of hopCount intermediate relays
// (§4.8's Min/Max/DefaultHopCount bound the tunnel length, separate from
// the final delivery hop to dest) plus dest itself as the final hop, pads
// and wraps payload, and dispatches it to the first hop (§4.8).
func (n *Node) SendAnonymous(ctx context.Context, payload []byte, dest identity.NodeID, hopCount int, policy privacy.HopPolicy) error {
	destOnionPub, ok := n.lookupOnionPub(ctx, dest)
	if !ok {
		return ErrDestOnionUnknown
	}

	destAddr, _ := n.Resolve(ctx, dest)
	var destNextAddr []byte
	if len(destAddr.Adapters) > 0 {
		destNextAddr = destAddr.Adapters[0].Address
	}

	pool := n.buildHopPool(ctx, dest, hopCount)
	relays, err := privacy.SelectHops(policy, pool, hopCount)
	if err != nil {
		return err
	}

	hops := append(relays, privacy.HopSpec{NodeID: dest, OnionPub: destOnionPub, NextAddress: destNextAddr})

	padded := privacy.PadToBucket(payload)
	packet, err := privacy.BuildOnion(hops, padded)
	if err != nil {
		return err
	}

	names := n.Router.AdapterNames()
	if len(names) == 0 {
		return ErrNoOnionRoute
	}
	return n.Router.RelaySigned(ctx, names[0], hops[0].NextAddress, packet)
}
