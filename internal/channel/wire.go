package channel

import (
	"encoding/binary"
	"errors"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

// Wire tags let a single codec.TypeKeyExchange payload carry either phase of
// the handshake; the receiver tells them apart by the leading byte rather
// than by message direction, since both phases travel over the same router
// path (§4.3, §4.7).
const (
	wireTagRequest  byte = 1
	wireTagResponse byte = 2
)

var ErrMalformedHandshake = errors.New("channel: malformed handshake wire payload")

func appendSigned(buf []byte, sig []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(sig)))
	buf = append(buf, l[:]...)
	return append(buf, sig...)
}

func readSigned(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+2 {
		return nil, 0, ErrMalformedHandshake
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+n {
		return nil, 0, ErrMalformedHandshake
	}
	return b[off : off+n], off + n, nil
}

// MarshalRequest encodes a HandshakeRequest for transport inside a
// codec.TypeKeyExchange payload.
func MarshalRequest(r *HandshakeRequest) []byte {
	buf := make([]byte, 0, 1+identity.NodeIDSize+mmcrypto.KeySize+ChallengeSize+8+2+len(r.Signature))
	buf = append(buf, wireTagRequest)
	buf = append(buf, r.InitiatorNodeID[:]...)
	buf = append(buf, r.EphPub[:]...)
	buf = append(buf, r.Challenge[:]...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(r.Timestamp))
	buf = append(buf, ts...)
	return appendSigned(buf, r.Signature)
}

// MarshalResponse encodes a HandshakeResponse the same way.
func MarshalResponse(r *HandshakeResponse) []byte {
	buf := make([]byte, 0, 1+identity.NodeIDSize+mmcrypto.KeySize+ChallengeSize+8+2+len(r.Signature))
	buf = append(buf, wireTagResponse)
	buf = append(buf, r.ResponderNodeID[:]...)
	buf = append(buf, r.EphPub[:]...)
	buf = append(buf, r.EchoedChallenge[:]...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(r.Timestamp))
	buf = append(buf, ts...)
	return appendSigned(buf, r.Signature)
}

// UnmarshalHandshake parses a codec.TypeKeyExchange payload, returning
// whichever of req/resp the leading tag byte names.
func UnmarshalHandshake(b []byte) (req *HandshakeRequest, resp *HandshakeResponse, err error) {
	if len(b) < 1 {
		return nil, nil, ErrMalformedHandshake
	}
	fixed := identity.NodeIDSize + mmcrypto.KeySize + ChallengeSize + 8
	if len(b) < 1+fixed {
		return nil, nil, ErrMalformedHandshake
	}
	off := 1
	var nodeID identity.NodeID
	copy(nodeID[:], b[off:off+identity.NodeIDSize])
	off += identity.NodeIDSize
	var ephPub [mmcrypto.KeySize]byte
	copy(ephPub[:], b[off:off+mmcrypto.KeySize])
	off += mmcrypto.KeySize
	var challenge [ChallengeSize]byte
	copy(challenge[:], b[off:off+ChallengeSize])
	off += ChallengeSize
	ts := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	sig, _, err := readSigned(b, off)
	if err != nil {
		return nil, nil, err
	}

	switch b[0] {
	case wireTagRequest:
		return &HandshakeRequest{InitiatorNodeID: nodeID, EphPub: ephPub, Challenge: challenge, Timestamp: ts, Signature: sig}, nil, nil
	case wireTagResponse:
		return nil, &HandshakeResponse{ResponderNodeID: nodeID, EphPub: ephPub, EchoedChallenge: challenge, Timestamp: ts, Signature: sig}, nil
	default:
		return nil, nil, ErrMalformedHandshake
	}
}
