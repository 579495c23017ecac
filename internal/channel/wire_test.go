package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRequestRoundTrip(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)

	_, req, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)

	wire := MarshalRequest(req)
	gotReq, gotResp, err := UnmarshalHandshake(wire)
	require.NoError(t, err)
	require.Nil(t, gotResp)
	require.Equal(t, req.InitiatorNodeID, gotReq.InitiatorNodeID)
	require.Equal(t, req.EphPub, gotReq.EphPub)
	require.Equal(t, req.Challenge, gotReq.Challenge)
	require.Equal(t, req.Timestamp, gotReq.Timestamp)
	require.Equal(t, req.Signature, gotReq.Signature)
	require.True(t, gotReq.Verify(initID.Public))
}

func TestMarshalUnmarshalResponseRoundTrip(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)

	_, req, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)
	_, resp, err := RespondToHandshake(respID, req, initID.Public)
	require.NoError(t, err)

	wire := MarshalResponse(resp)
	gotReq, gotResp, err := UnmarshalHandshake(wire)
	require.NoError(t, err)
	require.Nil(t, gotReq)
	require.Equal(t, resp.ResponderNodeID, gotResp.ResponderNodeID)
	require.Equal(t, resp.EchoedChallenge, gotResp.EchoedChallenge)
	require.True(t, gotResp.Verify(respID.Public))
}

func TestUnmarshalHandshakeRejectsMalformedPayload(t *testing.T) {
	_, _, err := UnmarshalHandshake([]byte{wireTagRequest, 1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedHandshake)
}

func TestUnmarshalHandshakeRejectsUnknownTag(t *testing.T) {
	initID := genIdentity(t)
	respID := genIdentity(t)
	_, req, err := InitiateHandshake(initID, respID.NodeID)
	require.NoError(t, err)

	wire := MarshalRequest(req)
	wire[0] = 0xFF
	_, _, err = UnmarshalHandshake(wire)
	require.ErrorIs(t, err, ErrMalformedHandshake)
}
