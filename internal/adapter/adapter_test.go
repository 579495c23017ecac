package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

func TestSignedWrapperRoundTrip(t *testing.T) {
	pub, priv, err := mmcrypto.GenerateEd25519()
	require.NoError(t, err)

	frame := []byte("a frame of bytes")
	wrapped := WrapSigned(pub, frame, func(b []byte) []byte {
		sig, _ := mmcrypto.Sign(priv, b)
		return sig
	})

	gotPub, gotFrame, ok := UnwrapSigned(wrapped, mmcrypto.Verify)
	require.True(t, ok)
	require.Equal(t, []byte(pub), gotPub)
	require.Equal(t, frame, gotFrame)
}

func TestSignedWrapperRejectsTamper(t *testing.T) {
	pub, priv, err := mmcrypto.GenerateEd25519()
	require.NoError(t, err)
	frame := []byte("original")
	wrapped := WrapSigned(pub, frame, func(b []byte) []byte {
		sig, _ := mmcrypto.Sign(priv, b)
		return sig
	})
	wrapped[40] ^= 0xFF

	_, _, ok := UnwrapSigned(wrapped, mmcrypto.Verify)
	require.False(t, ok)
}

func TestSignedWrapperMatchesSourceNodeID(t *testing.T) {
	pub, priv, err := mmcrypto.GenerateEd25519()
	require.NoError(t, err)
	nodeID := identity.DeriveNodeID(pub)

	wrapped := WrapSigned(pub, []byte("hi"), func(b []byte) []byte {
		sig, _ := mmcrypto.Sign(priv, b)
		return sig
	})
	gotPub, _, ok := UnwrapSigned(wrapped, mmcrypto.Verify)
	require.True(t, ok)
	require.Equal(t, nodeID, identity.DeriveNodeID(gotPub))
}

func TestMemoryAdapterDeliversBetweenPeers(t *testing.T) {
	bus := NewMemoryBus()
	a := NewMemoryAdapter(bus, "a", 8, Capabilities{Reliability: 0.9})
	b := NewMemoryAdapter(bus, "b", 8, Capabilities{Reliability: 0.9})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	addrB, err := a.ParseAddress("b")
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, addrB, []byte("hello b")))

	select {
	case in := <-b.Incoming():
		require.Equal(t, []byte("hello b"), in.Frame)
		require.Equal(t, "a", string(in.From.Raw))
	default:
		t.Fatal("expected a frame to be delivered to b")
	}
}

func TestMemoryAdapterSendToUnknownPeerFails(t *testing.T) {
	bus := NewMemoryBus()
	a := NewMemoryAdapter(bus, "a", 8, Capabilities{})
	addr, _ := a.ParseAddress("ghost")
	err := a.Send(context.Background(), addr, []byte("x"))
	require.ErrorIs(t, err, ErrAddressInvalid)
}

func TestCapabilitiesClampReliability(t *testing.T) {
	c := Capabilities{Reliability: 5}.Clamp()
	require.Equal(t, 1.0, c.Reliability)
	c = Capabilities{Reliability: -1}.Clamp()
	require.Equal(t, 0.0, c.Reliability)
}
