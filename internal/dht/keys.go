package dht

import (
	"time"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

// RecordTTL is the lifetime a node's self-announced STORE records (its
// geographic position, its onion pubkey) are republished under. Both reuse
// the DHT's own Store/SignStore machinery rather than growing NodeInfo's
// wire schema (§4.6, §4.7 step 3, §4.8).
const RecordTTL = 24 * time.Hour

// GeoStoreKey derives the well-known STORE key a node publishes its
// geographic position under (§4.7 step 3's greedy geographic fallback).
func GeoStoreKey(id identity.NodeID) [32]byte {
	return HashKey(append(append([]byte{}, id[:]...), []byte("geo-position")...))
}

// OnionPubStoreKey derives the well-known STORE key a node publishes its
// onion-layer X25519 public key under (§4.8: a sender needs a hop's onion
// pubkey before it can address a layer to it).
func OnionPubStoreKey(id identity.NodeID) [32]byte {
	return HashKey(append(append([]byte{}, id[:]...), []byte("onion-pub")...))
}

// KeyAsTarget widens a 32-byte store key into a pseudo NodeID so FIND_VALUE
// lookups can ride the same XOR-distance machinery FIND_NODE uses: the key
// occupies the low 32 bytes, the high 32 are zero. This only needs to be
// consistent between publisher and querier, not globally meaningful.
func KeyAsTarget(key [32]byte) identity.NodeID {
	var id identity.NodeID
	copy(id[:], key[:])
	return id
}
