package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateIdentitySatisfiesInvariants(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := GenerateIdentity(ctx, 8) // low difficulty keeps the test fast
	require.NoError(t, err)
	require.Equal(t, DeriveNodeID(id.Public), id.NodeID)
	require.True(t, VerifyPoW(id.NodeID, id.Public, id.PoWNonce, 8))
}

func TestVerifyPoWRejectsWrongNodeID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := GenerateIdentity(ctx, 8)
	require.NoError(t, err)

	var bogus NodeID
	copy(bogus[:], []byte("not-derived-from-the-public-key"))
	require.False(t, VerifyPoW(bogus, id.Public, id.PoWNonce, 8))
}

func TestGenerateIdentityTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	_, err := GenerateIdentity(ctx, 40)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBucketIndexAndDistance(t *testing.T) {
	var a, b NodeID
	a[0] = 0b1000_0000
	b[0] = 0b0100_0000
	require.Equal(t, 0, a.BucketIndex(b)) // differ at the very first (MSB) bit

	c := a
	require.Equal(t, -1, a.BucketIndex(c))
}

func TestSignStructuredRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := GenerateIdentity(ctx, 8)
	require.NoError(t, err)

	sig := id.SignStructured("MM-Test-v1", []byte("field-a"), []byte("field-b"))
	require.True(t, VerifyStructured(id.Public, "MM-Test-v1", sig, []byte("field-a"), []byte("field-b")))
	require.False(t, VerifyStructured(id.Public, "MM-Test-v1", sig, []byte("field-a"), []byte("tampered")))
}
