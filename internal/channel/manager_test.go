package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerHandshakeRoundTripEstablishesBothSides(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)

	initMgr := NewManager(initID)
	respMgr := NewManager(respID)

	req, err := initMgr.Initiate(respID.NodeID)
	require.NoError(t, err)

	resp, err := respMgr.HandleRequest(req, initID.Public)
	require.NoError(t, err)

	require.NoError(t, initMgr.HandleResponse(resp, respID.Public))

	initChan, ok := initMgr.Get(respID.NodeID)
	require.True(t, ok)
	respChan, ok := respMgr.Get(initID.NodeID)
	require.True(t, ok)

	sealed, err := initChan.Seal([]byte("aad"), []byte("hello"))
	require.NoError(t, err)
	got, err := respChan.Open([]byte("aad"), sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestManagerGetReportsFalseBeforeEstablished(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)
	initMgr := NewManager(initID)

	_, err := initMgr.Initiate(respID.NodeID)
	require.NoError(t, err)

	_, ok := initMgr.Get(respID.NodeID)
	require.False(t, ok, "channel is only pending until HandleResponse completes it")
}

func TestManagerHandleResponseRejectsUnknownPeer(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)
	strangerID := genIdentity(t)
	initMgr := NewManager(initID)

	resp := &HandshakeResponse{ResponderNodeID: strangerID.NodeID}
	err := initMgr.HandleResponse(resp, respID.Public)
	require.ErrorIs(t, err, ErrHandshakeInvalid)
}

func TestManagerRotateIfNeededNoopsWhenNotDue(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)
	initMgr := NewManager(initID)
	respMgr := NewManager(respID)

	req, err := initMgr.Initiate(respID.NodeID)
	require.NoError(t, err)
	resp, err := respMgr.HandleRequest(req, initID.Public)
	require.NoError(t, err)
	require.NoError(t, initMgr.HandleResponse(resp, respID.Public))

	again, err := initMgr.RotateIfNeeded(respID.NodeID)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestManagerRotateIfNeededMissingPeerReturnsNil(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)
	initMgr := NewManager(initID)

	req, err := initMgr.RotateIfNeeded(respID.NodeID)
	require.NoError(t, err)
	require.Nil(t, req)
}
