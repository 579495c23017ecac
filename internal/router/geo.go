package router

import (
	"math"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

// Coordinate is a geographic position used by the greedy geographic
// next-hop strategy (§4.7 step 3, Normal priority).
type Coordinate struct {
	LatDeg, LonDeg float64
}

const earthRadiusMeters = 6_371_000.0

// HaversineMeters computes great-circle distance between two coordinates.
func HaversineMeters(a, b Coordinate) float64 {
	lat1, lon1 := a.LatDeg*math.Pi/180, a.LonDeg*math.Pi/180
	lat2, lon2 := b.LatDeg*math.Pi/180, b.LonDeg*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// NeighborGeo is a candidate next hop's position and routing information for
// geographic forwarding: NodeID/AdapterName/Address carry enough to enqueue
// a frame directly, without a second DHT round trip back through the
// destination resolver.
type NeighborGeo struct {
	NodeID      identity.NodeID
	AdapterName string
	Address     []byte
	Pos         Coordinate
}

// GreedyGeographicNextHop picks the neighbor minimizing distance to dest.
// If no neighbor is strictly closer than self, this is a local maximum and
// the caller falls back to adaptive routing (§4.7 step 3).
func GreedyGeographicNextHop(self, dest Coordinate, neighbors []NeighborGeo) (NeighborGeo, bool) {
	selfDist := HaversineMeters(self, dest)
	bestIdx := -1
	bestDist := selfDist
	for i, n := range neighbors {
		d := HaversineMeters(n.Pos, dest)
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return NeighborGeo{}, false
	}
	return neighbors[bestIdx], true
}
