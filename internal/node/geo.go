package node

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/logging"
	"github.com/myriadmesh/myriadmesh/internal/router"
)

// encodeCoordinate/decodeCoordinate give geo-position STORE records a fixed
// 16-byte payload (two big-endian float64 bit patterns), the same
// fixed-layout-over-JSON choice the rest of the wire format makes.
func encodeCoordinate(c router.Coordinate) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(c.LatDeg))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(c.LonDeg))
	return buf
}

func decodeCoordinate(b []byte) (router.Coordinate, bool) {
	if len(b) != 16 {
		return router.Coordinate{}, false
	}
	return router.Coordinate{
		LatDeg: math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		LonDeg: math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// publishLocation republishes this node's configured geographic position to
// the DHT, if one was configured (§4.7 step 3). A node with no fix never
// participates in greedy geographic forwarding, on either side.
func (n *Node) publishLocation(ctx context.Context) {
	if n.cfg == nil || !n.cfg.HasLocation {
		return
	}
	pos := router.Coordinate{LatDeg: n.cfg.Latitude, LonDeg: n.cfg.Longitude}
	key := dht.GeoStoreKey(n.Identity.NodeID)
	if err := n.Publish(ctx, key, encodeCoordinate(pos), dht.RecordTTL); err != nil {
		logging.For(n.log, logging.ComponentNode).WithError(err).Warn("geo-position publish failed")
	}
}

// SelfLocation implements router.GeoResolver.
func (n *Node) SelfLocation() (router.Coordinate, bool) {
	if n.cfg == nil || !n.cfg.HasLocation {
		return router.Coordinate{}, false
	}
	return router.Coordinate{LatDeg: n.cfg.Latitude, LonDeg: n.cfg.Longitude}, true
}

// DestinationLocation implements router.GeoResolver, consulting only this
// node's local value store: greedy forwarding is a per-hop, best-effort
// decision, not worth a network round trip to make (§4.7 step 3).
func (n *Node) DestinationLocation(id identity.NodeID) (router.Coordinate, bool) {
	sv, err := n.Store.Get(dht.GeoStoreKey(id))
	if err != nil {
		return router.Coordinate{}, false
	}
	return decodeCoordinate(sv.Value)
}

// Neighbors implements router.GeoResolver: the routing table's nearest
// entries to self, filtered to those both advertising a position and
// reachable via an adapter this node has registered.
func (n *Node) Neighbors() []router.NeighborGeo {
	const sampleSize = dht.K * 4
	candidates := n.RoutingTable.Closest(n.Identity.NodeID, sampleSize)

	n.mu.Lock()
	registered := make(map[string]struct{}, len(n.adapters))
	for name := range n.adapters {
		registered[name] = struct{}{}
	}
	n.mu.Unlock()

	out := make([]router.NeighborGeo, 0, len(candidates))
	for _, c := range candidates {
		sv, err := n.Store.Get(dht.GeoStoreKey(c.NodeID))
		if err != nil {
			continue
		}
		pos, ok := decodeCoordinate(sv.Value)
		if !ok {
			continue
		}
		for _, a := range c.Adapters {
			if _, ok := registered[a.Type]; !ok {
				continue
			}
			out = append(out, router.NeighborGeo{NodeID: c.NodeID, AdapterName: a.Type, Address: a.Address, Pos: pos})
			break
		}
	}
	return out
}
