package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

func genIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := identity.GenerateIdentity(ctx, 4)
	require.NoError(t, err)
	return id
}

func establish(t *testing.T) (initiator, responder *Channel, initID, respID *identity.Identity) {
	t.Helper()
	initID = genIdentity(t)
	respID = genIdentity(t)

	c, req, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)

	r, resp, err := RespondToHandshake(respID, req, initID.Public)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, r.State())

	require.NoError(t, c.Finalize(resp, respID.Public))
	require.Equal(t, StateEstablished, c.State())
	return c, r, initID, respID
}

func TestHandshakeEstablishesMatchingKeys(t *testing.T) {
	c, r, _, _ := establish(t)

	msg := []byte("hello over the wire")
	sealed, err := c.Seal([]byte("aad"), msg)
	require.NoError(t, err)

	got, err := r.Open([]byte("aad"), sealed)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestHandshakeRejectsWrongSignature(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)
	otherID := genIdentity(t)

	_, req, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)

	_, _, err = RespondToHandshake(respID, req, otherID.Public)
	require.ErrorIs(t, err, ErrHandshakeInvalid)
}

func TestFinalizeRejectsWrongChallenge(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)

	c, req, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)

	_, resp, err := RespondToHandshake(respID, req, initID.Public)
	require.NoError(t, err)

	resp.EchoedChallenge[0] ^= 0xFF
	err = c.Finalize(resp, respID.Public)
	require.ErrorIs(t, err, ErrHandshakeInvalid)
}

func TestOpenRejectsReplay(t *testing.T) {
	c, r, _, _ := establish(t)

	sealed, err := c.Seal(nil, []byte("one"))
	require.NoError(t, err)
	_, err = r.Open(nil, sealed)
	require.NoError(t, err)

	_, err = r.Open(nil, sealed)
	require.ErrorIs(t, err, ErrReplay)
}

func TestOpenRejectsOutOfOrderReplayOfOlderCounter(t *testing.T) {
	c, r, _, _ := establish(t)

	first, err := c.Seal(nil, []byte("one"))
	require.NoError(t, err)
	second, err := c.Seal(nil, []byte("two"))
	require.NoError(t, err)

	_, err = r.Open(nil, second)
	require.NoError(t, err)
	_, err = r.Open(nil, first)
	require.ErrorIs(t, err, ErrReplay)
}

func TestNeedsRotationOnMessageCount(t *testing.T) {
	c, _, _, _ := establish(t)
	require.False(t, c.NeedsRotation())
	c.txMsgCount.Store(RekeyMsgCount)
	require.True(t, c.NeedsRotation())
}

func TestRotateReplacesKeysAndResetsCounters(t *testing.T) {
	c, r, initID, respID := establish(t)

	_, err := c.Seal(nil, []byte("pre-rotate"))
	require.NoError(t, err)

	freshInit, req2, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)
	freshResp, resp2, err := RespondToHandshake(respID, req2, initID.Public)
	require.NoError(t, err)
	require.NoError(t, freshInit.Finalize(resp2, respID.Public))

	c.Rotate(freshInit)
	r.Rotate(freshResp)

	sealed, err := c.Seal(nil, []byte("post-rotate"))
	require.NoError(t, err)
	got, err := r.Open(nil, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("post-rotate"), got)
}
