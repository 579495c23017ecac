// Package identity derives NodeIDs from Ed25519 keys and gates DHT
// admission with a proof-of-work search, the Go-native shape of the
// teacher's buildNodeIdentity/newNodeKeypair pairing in identity.go and
// mixnet.go, generalized to the spec's 64-byte, PoW-gated NodeID (§4.2).
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

// NodeIDSize is fixed at 64 bytes everywhere; truncation to 32 bytes was a
// historical bug (§9) and is forbidden.
const NodeIDSize = 64

const nodeIDTag = "MM-NodeID-v1"

// ErrTimeout is returned by GenerateIdentity when the PoW search does not
// find a qualifying nonce before the caller's deadline.
var ErrTimeout = errors.New("identity: proof-of-work search deadline exceeded")

// NodeID is the 512-bit opaque identifier derived from a node's long-term
// Ed25519 public key. The full 64 bytes are significant.
type NodeID [NodeIDSize]byte

func (id NodeID) Bytes() []byte { return id[:] }

// Distance is bitwise XOR between two NodeIDs.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// BucketIndex returns the position of the highest differing bit between id
// and other, i.e. which k-bucket other belongs to in id's routing table.
// Identical IDs have no valid bucket (-1).
func (id NodeID) BucketIndex(other NodeID) int {
	d := id.Distance(other)
	for i := 0; i < NodeIDSize; i++ {
		if d[i] == 0 {
			continue
		}
		// highest set bit within this byte, counted from the MSB of the ID.
		lead := bits.LeadingZeros8(d[i])
		return i*8 + lead
	}
	return -1
}

// Less gives NodeID a total order for map keys / sorted candidate lists.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// DeriveNodeID computes BLAKE2b-512("MM-NodeID-v1" || public_key).
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	return NodeID(mmcrypto.HashWithTag(nodeIDTag, pub))
}

// Identity is a node's long-term cryptographic identity: an Ed25519 keypair,
// its derived NodeID, and the admission proof-of-work nonce that makes it
// eligible for insertion into any routing table. The secret key is held
// in-memory only by this type; any on-disk encryption is the persistence
// layer's concern (§6), not this package's.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	NodeID  NodeID
	PoWNonce uint64
}

// Private returns the long-term private key. Callers that need to sign
// should prefer SignStructured/Sign on Identity rather than reaching in here,
// but transport layers (secure channel handshake) need the raw key.
func (id *Identity) Private() ed25519.PrivateKey { return id.private }

// leadingZeroBits counts the number of leading zero bits across b.
func leadingZeroBits(b []byte) int {
	n := 0
	for _, x := range b {
		if x == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(x)
		break
	}
	return n
}

// powInput builds the bytes hashed during admission PoW search:
// node_id || nonce (big-endian u64), per §3.
func powInput(nodeID NodeID, nonce uint64) []byte {
	buf := make([]byte, NodeIDSize+8)
	copy(buf, nodeID[:])
	binary.BigEndian.PutUint64(buf[NodeIDSize:], nonce)
	return buf
}

// VerifyPoW recomputes BLAKE2b-512(node_id || nonce) and checks it has at
// least difficulty leading zero bits, and that nodeID actually derives from
// pub. Both checks are required; a valid hash for the wrong NodeID doesn't
// count (§4.2).
func VerifyPoW(nodeID NodeID, pub ed25519.PublicKey, nonce uint64, difficulty int) bool {
	if DeriveNodeID(pub) != nodeID {
		return false
	}
	sum := mmcrypto.Blake2b512(powInput(nodeID, nonce))
	return leadingZeroBits(sum[:]) >= difficulty
}

// GenerateIdentity creates a new Ed25519 keypair and searches u64 nonces
// until the admission proof-of-work has at least difficulty leading zero
// bits, or ctx is done — whichever comes first.
func GenerateIdentity(ctx context.Context, difficulty int) (*Identity, error) {
	pub, priv, err := mmcrypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	nodeID := DeriveNodeID(pub)

	var nonce uint64
	for {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		default:
		}
		sum := mmcrypto.Blake2b512(powInput(nodeID, nonce))
		if leadingZeroBits(sum[:]) >= difficulty {
			return &Identity{Public: pub, private: priv, NodeID: nodeID, PoWNonce: nonce}, nil
		}
		nonce++
		// Periodically re-check the deadline even under a tight loop — the PoW
		// search is the one hot-CPU path in this package and must stay
		// cancellable (§5 suspension points).
		if nonce%4096 == 0 {
			select {
			case <-ctx.Done():
				return nil, ErrTimeout
			default:
			}
		}
	}
}

// Sign signs bytes with the identity's long-term key.
func (id *Identity) Sign(msg []byte) []byte {
	sig, _ := mmcrypto.Sign(id.private, msg)
	return sig
}

// SignStructured canonically encodes tag || len-prefixed fields and signs the
// result, giving every signed message type in the system (handshake
// requests/responses, DHT STORE records, capability tokens, ledger entries)
// a collision-free encoding: one field's bytes can never bleed into the next
// because each is length-prefixed.
func (id *Identity) SignStructured(tag string, fields ...[]byte) []byte {
	return id.Sign(EncodeStructured(tag, fields...))
}

// EncodeStructured is the canonical tag || (u32 len || field)* encoding used
// by SignStructured and independently by verifiers that only hold a public
// key (DHT STORE verification, capability token validation).
func EncodeStructured(tag string, fields ...[]byte) []byte {
	total := len(tag)
	for _, f := range fields {
		total += 4 + len(f)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, tag...)
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, f...)
	}
	return buf
}

// VerifyStructured checks a SignStructured signature against a public key.
func VerifyStructured(pub ed25519.PublicKey, tag string, sig []byte, fields ...[]byte) bool {
	return mmcrypto.Verify(pub, EncodeStructured(tag, fields...), sig)
}
