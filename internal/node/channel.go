package node

import (
	"context"
	"errors"

	"github.com/myriadmesh/myriadmesh/internal/channel"
	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/identity"
)

// EstablishChannel initiates a handshake toward peer and sends the request
// over the router (§4.3). It returns once the request is enqueued, not once
// the channel is established — the response completes asynchronously via
// OnLocalMessage's TypeKeyExchange case, driven by handleKeyExchange below.
func (n *Node) EstablishChannel(ctx context.Context, peer identity.NodeID) error {
	req, err := n.Channels.Initiate(peer)
	if err != nil {
		return err
	}
	_, err = n.Router.SendTyped(ctx, codec.TypeKeyExchange, channel.MarshalRequest(req), peer, codec.PriorityHigh)
	return err
}

// handleKeyExchange answers an incoming handshake request or completes a
// handshake this node initiated, depending on which half of the wire
// payload's tag names (§4.3).
func (n *Node) handleKeyExchange(msg *codec.Message) error {
	req, resp, err := channel.UnmarshalHandshake(msg.Payload)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if req != nil {
		pub, ok := n.ResolvePublicKey(ctx, req.InitiatorNodeID)
		if !ok {
			return errors.New("node: unknown initiator public key for handshake request")
		}
		response, err := n.Channels.HandleRequest(req, pub)
		if err != nil {
			return err
		}
		_, err = n.Router.SendTyped(ctx, codec.TypeKeyExchange, channel.MarshalResponse(response), req.InitiatorNodeID, codec.PriorityHigh)
		return err
	}

	pub, ok := n.ResolvePublicKey(ctx, resp.ResponderNodeID)
	if !ok {
		return errors.New("node: unknown responder public key for handshake response")
	}
	return n.Channels.HandleResponse(resp, pub)
}
