package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeoAndOnionStoreKeysAreDistinctAndStable(t *testing.T) {
	id := genIdentity(t, 4).NodeID

	geo1 := GeoStoreKey(id)
	geo2 := GeoStoreKey(id)
	onion := OnionPubStoreKey(id)

	require.Equal(t, geo1, geo2, "deriving the same node's key twice must be stable")
	require.NotEqual(t, geo1, onion, "geo and onion keys must not collide for the same node")
}

func TestKeyAsTargetZeroPadsHighBytes(t *testing.T) {
	key := HashKey([]byte("some store key"))
	target := KeyAsTarget(key)

	require.Equal(t, key[:], target[:32])
	for _, b := range target[32:] {
		require.Zero(t, b)
	}
}
