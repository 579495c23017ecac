// Package codec implements the wire format for MyriadMesh messages (§3, §4.4):
// a fixed 227-byte header followed by a length-prefixed payload and a
// trailing Ed25519 signature. Encoding is deterministic, big-endian, with no
// optional fields — the same shape as the teacher's types.go canonical
// body() encodings (ChatMsg/FileManifest/FileChunk each serialize a fixed
// field order for signing), generalized here into one Message type shared by
// every protocol message instead of one ad hoc struct per application
// message.
package codec

import (
	"encoding/binary"
	"errors"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

// Protocol constants (§8).
const (
	NodeIDSize = identity.NodeIDSize // 64
	SigSize    = mmcrypto.SigSize    // 64
	MessageIDSize = 16

	// HeaderSize is derived from the field layout below, not hand-counted:
	// 4 (payload length prefix) + 1 (version) + 1 (type) + 1 (flags) +
	// 1 (priority) + 1 (TTL) + 2 (hop_count) + MessageIDSize + NodeIDSize*2
	// + 8 (timestamp) + SigSize.
	headerFixedBytes = 4 + 1 + 1 + 1 + 1 + 1 + 2 + MessageIDSize + 8
	HeaderSize       = headerFixedBytes + NodeIDSize*2 + SigSize // 227

	MaxPayloadSize = 1 << 20 // 1 MiB
	DefaultTTL     = 32
	MinTTL         = 1
	MaxTTL         = 32
)

// Type enumerates the message kinds carried by the codec.
type Type uint8

const (
	TypeData Type = iota
	TypeAck
	TypeHeartbeat
	TypeKeyExchange
	TypeStore
	TypeFindNode
	TypeFindValue
	TypeOnionLayer
	TypeFragment
	TypeCoverTraffic
)

// Priority is the router's 5-class QoS enumeration.
type Priority uint8

const (
	PriorityEmergency Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

const Version uint8 = 1

// Flag bits (§3 flags field).
const (
	FlagNone       uint8 = 0
	FlagFragmented uint8 = 1 << 0
	FlagDeferFragmentToAdapter uint8 = 1 << 1
	// FlagChannelSealed marks a Payload as the nonce||ciphertext output of an
	// established channel.Seal rather than plaintext (§4.3/§4.7): set by the
	// originating Router.Send when a channel to the destination exists,
	// cleared (absent) for control frames that predate any channel.
	FlagChannelSealed uint8 = 1 << 2
)

var (
	ErrMalformed     = errors.New("codec: malformed message")
	ErrFrameTooLarge = errors.New("codec: frame too large")
	ErrBadTTL        = errors.New("codec: ttl out of range")
	ErrBadVersion    = errors.New("codec: unsupported version")
)

// Message is the canonical decoded representation of one protocol message.
type Message struct {
	Version     uint8
	Type        Type
	Flags       uint8
	Priority    Priority
	TTL         uint8
	HopCount    uint16
	MessageID   [MessageIDSize]byte
	Source      identity.NodeID
	Destination identity.NodeID
	Timestamp   uint64
	Payload     []byte
	Signature   [SigSize]byte
}

// Size returns HEADER_SIZE + len(payload), the invariant §8 requires.
func (m *Message) Size() int { return HeaderSize + len(m.Payload) }

// DeriveMessageID computes prefix-16 of BLAKE2b-512(source || counter ||
// timestamp || payload) (§4.4).
func DeriveMessageID(source identity.NodeID, counter uint64, timestamp uint64, payload []byte) [MessageIDSize]byte {
	buf := make([]byte, 0, NodeIDSize+8+8+len(payload))
	buf = append(buf, source[:]...)
	var ctrBuf [8]byte
	binary.BigEndian.PutUint64(ctrBuf[:], counter)
	buf = append(buf, ctrBuf[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestamp)
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, payload...)

	full := mmcrypto.Blake2b512(buf)
	var id [MessageIDSize]byte
	copy(id[:], full[:MessageIDSize])
	return id
}

// signedBytes returns every byte of the encoded message preceding the
// signature field, the span the Ed25519 signature covers.
func (m *Message) signedBytes() []byte {
	buf := make([]byte, 0, HeaderSize-SigSize+len(m.Payload))
	buf = append(buf, m.Version, uint8(m.Type), m.Flags, uint8(m.Priority), m.TTL)
	var hc [2]byte
	binary.BigEndian.PutUint16(hc[:], m.HopCount)
	buf = append(buf, hc[:]...)
	buf = append(buf, m.MessageID[:]...)
	buf = append(buf, m.Source[:]...)
	buf = append(buf, m.Destination[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], m.Timestamp)
	buf = append(buf, ts[:]...)
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(m.Payload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, m.Payload...)
	return buf
}

// Sign fills m.Signature using priv, the long-term key whose derived NodeID
// must equal m.Source.
func (m *Message) Sign(priv []byte) error {
	sig, err := mmcrypto.Sign(priv, m.signedBytes())
	if err != nil {
		return err
	}
	copy(m.Signature[:], sig)
	return nil
}

// VerifySignature checks m.Signature against pub. Callers are responsible
// for confirming pub actually derives m.Source (§4.4's "public key MUST be
// obtainable" validation step, resolved via channel/KeyExchange/DHT lookup
// upstream of the codec).
func (m *Message) VerifySignature(pub []byte) bool {
	return mmcrypto.Verify(pub, m.signedBytes(), m.Signature[:])
}

// Encode serializes m to the wire format: header || payload || signature.
func Encode(m *Message) ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	buf := m.signedBytes()
	buf = append(buf, m.Signature[:]...)
	return buf, nil
}

// Decode parses and structurally validates b into a Message. It does NOT
// verify the signature (the caller must resolve the source's public key
// first) but does enforce every length/range invariant the codec alone can
// check: version, TTL range, declared vs actual payload length, and max
// frame size.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrMalformed
	}

	m := &Message{}
	off := 0
	m.Version = b[off]
	off++
	if m.Version != Version {
		return nil, ErrBadVersion
	}
	m.Type = Type(b[off])
	off++
	m.Flags = b[off]
	off++
	m.Priority = Priority(b[off])
	off++
	m.TTL = b[off]
	off++
	if m.TTL < MinTTL || m.TTL > MaxTTL {
		return nil, ErrBadTTL
	}
	m.HopCount = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	copy(m.MessageID[:], b[off:off+MessageIDSize])
	off += MessageIDSize
	copy(m.Source[:], b[off:off+NodeIDSize])
	off += NodeIDSize
	copy(m.Destination[:], b[off:off+NodeIDSize])
	off += NodeIDSize
	m.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	declaredLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if declaredLen > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if off+int(declaredLen)+SigSize != len(b) {
		return nil, ErrMalformed
	}
	m.Payload = append([]byte(nil), b[off:off+int(declaredLen)]...)
	off += int(declaredLen)
	copy(m.Signature[:], b[off:off+SigSize])
	return m, nil
}
