package channel

import (
	"sync"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

// Manager owns every pairwise Channel a node holds, keyed by peer, and
// drives the handshake's request/response bookkeeping (§4.3). It has no
// network logic of its own: the caller (internal/node) is responsible for
// sending the HandshakeRequest/HandshakeResponse it returns and for feeding
// back whatever arrives on the wire, the same orchestration split the DHT's
// IterativeLookup uses for its own RPCs.
type Manager struct {
	id *identity.Identity

	mu       sync.Mutex
	byPeer   map[identity.NodeID]*Channel
	pending  map[identity.NodeID]*Channel // StateRequested, awaiting Finalize
}

func NewManager(id *identity.Identity) *Manager {
	return &Manager{
		id:      id,
		byPeer:  make(map[identity.NodeID]*Channel),
		pending: make(map[identity.NodeID]*Channel),
	}
}

// Get returns the established channel to peer, if one exists.
func (m *Manager) Get(peer identity.NodeID) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byPeer[peer]
	if !ok || c.State() != StateEstablished {
		return nil, false
	}
	return c, true
}

// Initiate starts a new handshake toward peer, returning the request to
// send. A subsequent HandleResponse(peer, ...) completes it.
func (m *Manager) Initiate(peer identity.NodeID) (*HandshakeRequest, error) {
	c, req, err := InitiateHandshake(m.id, peer)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pending[peer] = c
	m.mu.Unlock()
	return req, nil
}

// HandleRequest answers an incoming HandshakeRequest from a peer whose
// long-term public key the caller has already resolved, completing the
// responder side of the handshake immediately and installing the resulting
// channel as established.
func (m *Manager) HandleRequest(req *HandshakeRequest, initiatorPub []byte) (*HandshakeResponse, error) {
	c, resp, err := RespondToHandshake(m.id, req, initiatorPub)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byPeer[req.InitiatorNodeID] = c
	m.mu.Unlock()
	return resp, nil
}

// HandleResponse completes the initiator side of a handshake previously
// started with Initiate, installing the channel as established once
// verified.
func (m *Manager) HandleResponse(resp *HandshakeResponse, responderPub []byte) error {
	m.mu.Lock()
	c, ok := m.pending[resp.ResponderNodeID]
	m.mu.Unlock()
	if !ok {
		return ErrHandshakeInvalid
	}
	if err := c.Finalize(resp, responderPub); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.pending, resp.ResponderNodeID)
	m.byPeer[resp.ResponderNodeID] = c
	m.mu.Unlock()
	return nil
}

// RotateIfNeeded starts a new handshake with peer if its channel has aged
// past RekeyAge or RekeyMsgCount (§4.3); the channel is replaced once
// HandleResponse completes that handshake. Returns the fresh request to
// send when a rotation was started; nil if no channel exists or rotation
// isn't due yet.
func (m *Manager) RotateIfNeeded(peer identity.NodeID) (*HandshakeRequest, error) {
	m.mu.Lock()
	c, ok := m.byPeer[peer]
	m.mu.Unlock()
	if !ok || !c.NeedsRotation() {
		return nil, nil
	}
	return m.Initiate(peer)
}
