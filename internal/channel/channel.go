// Package channel implements pairwise authenticated, encrypted session
// channels (§4.3): a three-phase X25519 handshake signed by each side's
// long-term Ed25519 key, separate tx/rx AEAD keys, a monotonic nonce
// counter, anti-replay, and age/volume-triggered rekeying.
//
// This generalizes the teacher's ad hoc per-purpose AEAD helpers
// (mixnet.go's aeadEncrypt/aeadDecrypt, peers.go's encryptSnapshot) into one
// session abstraction with the nonce and replay discipline the spec
// requires; the teacher never builds a persistent session, it re-derives a
// key per onion hop, so the bucketed nonce counter here is new structure
// grounded directly on mmcrypto rather than on a specific teacher file.
package channel

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

const (
	MaxClockSkew   = 5 * time.Minute
	RekeyAge       = 24 * time.Hour
	RekeyMsgCount  = 100_000
	ChallengeSize  = 32
)

// Errors (§4.3).
var (
	ErrHandshakeInvalid = errors.New("channel: handshake invalid")
	ErrReplay           = errors.New("channel: replay detected")
	ErrUnauthenticated  = errors.New("channel: unauthenticated")
	ErrExpired          = errors.New("channel: expired")
	ErrClock            = errors.New("channel: clock skew out of bounds")
)

// State is the handshake/lifecycle state of a Channel.
type State int

const (
	StateRequested State = iota
	StateResponded
	StateEstablished
)

// HandshakeRequest is phase 1: initiator -> responder.
type HandshakeRequest struct {
	InitiatorNodeID identity.NodeID
	EphPub          [mmcrypto.KeySize]byte
	Challenge       [ChallengeSize]byte
	Timestamp       int64
	Signature       []byte
}

const reqTag = "MM-ChanReq-v1"

func (r *HandshakeRequest) signedFields() [][]byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(r.Timestamp))
	return [][]byte{r.InitiatorNodeID[:], r.EphPub[:], r.Challenge[:], ts}
}

// Sign fills r.Signature using the initiator's long-term identity.
func (r *HandshakeRequest) Sign(id *identity.Identity) {
	r.Signature = id.SignStructured(reqTag, r.signedFields()...)
}

// Verify checks r's signature against the claimed initiator's public key and
// that initiatorNodeID actually derives from that key.
func (r *HandshakeRequest) Verify(initiatorPub []byte) bool {
	if identity.DeriveNodeID(initiatorPub) != r.InitiatorNodeID {
		return false
	}
	return identity.VerifyStructured(initiatorPub, reqTag, r.Signature, r.signedFields()...)
}

// HandshakeResponse is phase 2: responder -> initiator.
type HandshakeResponse struct {
	ResponderNodeID identity.NodeID
	EphPub          [mmcrypto.KeySize]byte
	EchoedChallenge [ChallengeSize]byte
	Timestamp       int64
	Signature       []byte
}

const respTag = "MM-ChanResp-v1"

func (r *HandshakeResponse) signedFields() [][]byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(r.Timestamp))
	return [][]byte{r.ResponderNodeID[:], r.EphPub[:], r.EchoedChallenge[:], ts}
}

func (r *HandshakeResponse) Sign(id *identity.Identity) {
	r.Signature = id.SignStructured(respTag, r.signedFields()...)
}

func (r *HandshakeResponse) Verify(responderPub []byte) bool {
	if identity.DeriveNodeID(responderPub) != r.ResponderNodeID {
		return false
	}
	return identity.VerifyStructured(responderPub, respTag, r.Signature, r.signedFields()...)
}

// Channel is an established or in-progress pairwise session.
type Channel struct {
	mu sync.RWMutex

	PeerNodeID identity.NodeID
	state      State

	ourEphPriv, ourEphPub [mmcrypto.KeySize]byte
	peerEphPub            [mmcrypto.KeySize]byte
	pendingChallenge       [ChallengeSize]byte

	txKey, rxKey [mmcrypto.KeySize]byte
	established  time.Time

	// sendCounter is the monotonic, atomic nonce source (§4.3); the middle 8
	// bytes of every nonce are the local NodeID's first 8 bytes and the high
	// 8 bytes are the Unix timestamp at establishment, so rollover of the
	// counter alone cannot reuse a (key, nonce) pair within the rotation
	// policy's lifetime.
	sendCounter  atomic.Uint64
	highestSeen  atomic.Int64 // -1 = nothing accepted yet
	localNodeID  identity.NodeID
	txMsgCount   atomic.Uint64
	rxMsgCount   atomic.Uint64
	rekeyMu      sync.Mutex
}

// InitiateHandshake allocates ephemeral state for a new session to peer and
// returns the signed request to send.
func InitiateHandshake(id *identity.Identity, peer identity.NodeID) (*Channel, *HandshakeRequest, error) {
	priv, pub, err := mmcrypto.X25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	var challenge [ChallengeSize]byte
	if err := mmcrypto.CSPRNGFill(challenge[:]); err != nil {
		return nil, nil, err
	}

	c := &Channel{
		PeerNodeID:       peer,
		state:            StateRequested,
		ourEphPriv:       priv,
		ourEphPub:        pub,
		pendingChallenge: challenge,
		localNodeID:      id.NodeID,
	}
	c.highestSeen.Store(-1)

	req := &HandshakeRequest{
		InitiatorNodeID: id.NodeID,
		EphPub:          pub,
		Challenge:       challenge,
		Timestamp:       time.Now().Unix(),
	}
	req.Sign(id)
	return c, req, nil
}

func withinSkew(ts int64) bool {
	delta := time.Since(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= MaxClockSkew
}

// RespondToHandshake validates req, runs the server side of the key
// exchange, and returns the established channel plus the signed response to
// send back. initiatorPub is resolved by the caller (from a prior
// KeyExchange, an established channel, or a DHT lookup — §4.4).
func RespondToHandshake(id *identity.Identity, req *HandshakeRequest, initiatorPub []byte) (*Channel, *HandshakeResponse, error) {
	if !req.Verify(initiatorPub) {
		return nil, nil, ErrHandshakeInvalid
	}
	if !withinSkew(req.Timestamp) {
		return nil, nil, ErrClock
	}

	ourPriv, ourPub, err := mmcrypto.X25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	tx, rx, err := mmcrypto.KXServer(ourPriv, ourPub, req.EphPub)
	if err != nil {
		return nil, nil, ErrHandshakeInvalid
	}

	c := &Channel{
		PeerNodeID:  req.InitiatorNodeID,
		state:       StateEstablished,
		ourEphPriv:  ourPriv,
		ourEphPub:   ourPub,
		peerEphPub:  req.EphPub,
		txKey:       tx,
		rxKey:       rx,
		established: time.Now(),
		localNodeID: id.NodeID,
	}
	c.highestSeen.Store(-1)

	resp := &HandshakeResponse{
		ResponderNodeID: id.NodeID,
		EphPub:          ourPub,
		EchoedChallenge: req.Challenge,
		Timestamp:       time.Now().Unix(),
	}
	resp.Sign(id)
	return c, resp, nil
}

// Finalize completes the initiator side: verifies resp, runs client-side KX,
// and transitions the channel to Established.
func (c *Channel) Finalize(resp *HandshakeResponse, responderPub []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRequested {
		return ErrHandshakeInvalid
	}
	if !resp.Verify(responderPub) {
		return ErrHandshakeInvalid
	}
	if !mmcrypto.ConstantTimeEqual(resp.EchoedChallenge[:], c.pendingChallenge[:]) {
		return ErrHandshakeInvalid
	}
	if !withinSkew(resp.Timestamp) {
		return ErrClock
	}

	tx, rx, err := mmcrypto.KXClient(c.ourEphPriv, c.ourEphPub, resp.EphPub)
	if err != nil {
		return ErrHandshakeInvalid
	}
	c.peerEphPub = resp.EphPub
	c.txKey, c.rxKey = tx, rx
	c.established = time.Now()
	c.state = StateEstablished
	return nil
}

// State reports the channel's current handshake state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// nextNonce derives the next 24-byte AEAD nonce: high 8 bytes are the
// establishment Unix timestamp, middle 8 are the local NodeID prefix, low 8
// are the atomically incremented send counter. fetch_add guarantees
// uniqueness across concurrent senders on this channel; rollover of a 64-bit
// counter is unreachable given the rotation policy (§4.3).
func (c *Channel) nextNonce() []byte {
	n := c.sendCounter.Add(1) - 1
	nonce := make([]byte, mmcrypto.NonceSize)
	binary.BigEndian.PutUint64(nonce[0:8], uint64(c.established.Unix()))
	copy(nonce[8:16], c.localNodeID[:8])
	binary.BigEndian.PutUint64(nonce[16:24], n)
	return nonce
}

// Seal encrypts plaintext under the channel's tx key with a freshly derived
// nonce, returning nonce||ciphertext for the wire.
func (c *Channel) Seal(aad, plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	state := c.state
	txKey := c.txKey
	c.mu.RUnlock()
	if state != StateEstablished {
		return nil, ErrHandshakeInvalid
	}

	nonce := c.nextNonce()
	ct, err := mmcrypto.AEADSeal(txKey[:], nonce, aad, plaintext)
	if err != nil {
		return nil, err
	}
	c.txMsgCount.Add(1)
	return append(nonce, ct...), nil
}

// Open decrypts a nonce||ciphertext blob received on this channel, enforcing
// the anti-replay counter: the encoded counter must be strictly greater than
// the highest previously accepted value.
func (c *Channel) Open(aad, nonceAndCT []byte) ([]byte, error) {
	if len(nonceAndCT) < mmcrypto.NonceSize {
		return nil, ErrHandshakeInvalid
	}
	nonce := nonceAndCT[:mmcrypto.NonceSize]
	ct := nonceAndCT[mmcrypto.NonceSize:]
	counter := int64(binary.BigEndian.Uint64(nonce[16:24]))

	c.mu.RLock()
	state := c.state
	rxKey := c.rxKey
	c.mu.RUnlock()
	if state != StateEstablished {
		return nil, ErrHandshakeInvalid
	}
	if counter <= c.highestSeen.Load() {
		return nil, ErrReplay
	}

	pt, err := mmcrypto.AEADOpen(rxKey[:], nonce, aad, ct)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	c.highestSeen.Store(counter)
	c.rxMsgCount.Add(1)
	return pt, nil
}

// NeedsRotation reports whether the channel has aged past RekeyAge or either
// direction has carried RekeyMsgCount messages (§4.3).
func (c *Channel) NeedsRotation() bool {
	c.mu.RLock()
	established := c.established
	c.mu.RUnlock()
	if time.Since(established) >= RekeyAge {
		return true
	}
	return c.txMsgCount.Load() >= RekeyMsgCount || c.rxMsgCount.Load() >= RekeyMsgCount
}

// Rotate replaces this channel's keys in place with a fresh handshake's
// result. Callers drive the handshake (InitiateHandshake/RespondToHandshake/
// Finalize against a throwaway Channel) and pass the finished one here;
// rekeyMu serialises concurrent Rotate calls, and the keys are swapped under
// c.mu so concurrent Seal/Open calls never observe a half-updated key pair.
// No key-version retention is implemented: messages
// already in flight under the old keys will fail to decrypt and must be
// re-sent by the router's retry path (§4.3, §9).
func (c *Channel) Rotate(fresh *Channel) {
	c.rekeyMu.Lock()
	defer c.rekeyMu.Unlock()

	fresh.mu.RLock()
	tx, rx, established := fresh.txKey, fresh.rxKey, fresh.established
	fresh.mu.RUnlock()

	c.mu.Lock()
	c.txKey, c.rxKey = tx, rx
	c.established = established
	c.sendCounter.Store(0)
	c.highestSeen.Store(-1)
	c.txMsgCount.Store(0)
	c.rxMsgCount.Store(0)
	c.mu.Unlock()
}
