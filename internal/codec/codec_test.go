package codec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

func genIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := identity.GenerateIdentity(ctx, 4)
	require.NoError(t, err)
	return id
}

func TestHeaderSizeIs227(t *testing.T) {
	require.Equal(t, 227, HeaderSize)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := genIdentity(t)
	var dest identity.NodeID
	require.NoError(t, mmcrypto.CSPRNGFill(dest[:]))

	payload := []byte("hello mesh frame")
	msgID := DeriveMessageID(id.NodeID, 1, 1234, payload)

	m := &Message{
		Version:     Version,
		Type:        TypeData,
		Priority:    PriorityNormal,
		TTL:         DefaultTTL,
		MessageID:   msgID,
		Source:      id.NodeID,
		Destination: dest,
		Timestamp:   1234,
		Payload:     payload,
	}
	require.NoError(t, m.Sign(id.Private()))
	require.Equal(t, m.Size(), HeaderSize+len(payload))

	wire, err := Encode(m)
	require.NoError(t, err)
	require.Len(t, wire, m.Size())

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, m.Payload, got.Payload)
	require.Equal(t, m.MessageID, got.MessageID)
	require.True(t, got.VerifySignature(id.Public))
}

func TestDecodeRejectsBadTTL(t *testing.T) {
	id := genIdentity(t)
	var dest identity.NodeID
	m := &Message{Version: Version, TTL: 0, Source: id.NodeID, Destination: dest}
	require.NoError(t, m.Sign(id.Private()))
	wire, err := Encode(m)
	require.NoError(t, err)

	_, err = Decode(wire)
	require.ErrorIs(t, err, ErrBadTTL)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	id := genIdentity(t)
	var dest identity.NodeID
	m := &Message{Version: Version, TTL: DefaultTTL, Source: id.NodeID, Destination: dest, Payload: make([]byte, MaxPayloadSize+1)}
	_, err := Encode(m)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestVerifySignatureFailsOnTamper(t *testing.T) {
	id := genIdentity(t)
	var dest identity.NodeID
	m := &Message{Version: Version, TTL: DefaultTTL, Source: id.NodeID, Destination: dest, Payload: []byte("x")}
	require.NoError(t, m.Sign(id.Private()))

	wire, err := Encode(m)
	require.NoError(t, err)
	wire[10] ^= 0xFF

	got, err := Decode(wire)
	require.NoError(t, err)
	require.False(t, got.VerifySignature(id.Public))
}

func TestMessageIDDiffersOnDifferentCounters(t *testing.T) {
	id := genIdentity(t)
	payload := []byte("same payload")
	a := DeriveMessageID(id.NodeID, 1, 1000, payload)
	b := DeriveMessageID(id.NodeID, 2, 1000, payload)
	require.NotEqual(t, a, b)
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	h := FragmentHeader{MessageIDLow32: 0xDEADBEEF, Seq: 2, Total: 5, Flags: FlagFragmented}
	b := EncodeFragmentHeader(h)
	require.Len(t, b, FragmentHeaderSize)
	got, err := DecodeFragmentHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
}
