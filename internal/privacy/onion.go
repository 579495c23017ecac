package privacy

import (
	"encoding/binary"
	"errors"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

const onionKeyTag = "MM-Onion-v1"

var (
	ErrEmptyRoute     = errors.New("privacy: onion route has no hops")
	ErrMalformedLayer = errors.New("privacy: malformed onion layer")
)

// OnionKeypair is a node's long-term X25519 keypair used for onion-layer
// peeling, published out-of-band via the DHT/registration — distinct from
// the Ed25519 identity keys, which sign but never directly support ECDH
// (§4.8).
type OnionKeypair struct {
	Priv, Pub [32]byte
}

func NewOnionKeypair() (OnionKeypair, error) {
	priv, pub, err := mmcrypto.X25519Keypair()
	if err != nil {
		return OnionKeypair{}, err
	}
	return OnionKeypair{Priv: priv, Pub: pub}, nil
}

// HopSpec is one intermediate's routing and key material as known to the
// route builder: which peer it is, its long-term onion public key, and the
// adapter address the PRECEDING hop should use to reach it.
type HopSpec struct {
	NodeID      identity.NodeID
	OnionPub    [32]byte
	NextAddress []byte
}

// PaddingBuckets are the fixed sizes a layer's plaintext is padded up to
// before sealing (§4.8), chosen to match common transport MTUs.
var PaddingBuckets = []int{512, 1024, 2048, 4096}

// PadToBucket length-prefixes data and zero-pads it up to the smallest
// bucket that fits, or to the next multiple of the largest bucket if data
// alone already exceeds it.
func PadToBucket(data []byte) []byte {
	total := 4 + len(data)
	bucket := total
	found := false
	for _, b := range PaddingBuckets {
		if total <= b {
			bucket = b
			found = true
			break
		}
	}
	if !found {
		last := PaddingBuckets[len(PaddingBuckets)-1]
		bucket = ((total + last - 1) / last) * last
	}
	out := make([]byte, bucket)
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:], data)
	return out
}

// UnpadFromBucket reverses PadToBucket.
func UnpadFromBucket(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, ErrMalformedLayer
	}
	n := binary.BigEndian.Uint32(padded[:4])
	if int(n) > len(padded)-4 {
		return nil, ErrMalformedLayer
	}
	return padded[4 : 4+int(n)], nil
}

// encodeLayerPlain builds one hop's plaintext: final(1) || len(next)(4) ||
// next || inner. inner is the remainder of the buffer so it needs no
// explicit length.
func encodeLayerPlain(final bool, nextAddr, inner []byte) []byte {
	buf := make([]byte, 0, 1+4+len(nextAddr)+len(inner))
	if final {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(nextAddr)))
	buf = append(buf, l[:]...)
	buf = append(buf, nextAddr...)
	buf = append(buf, inner...)
	return buf
}

func decodeLayerPlain(b []byte) (final bool, nextAddr, inner []byte, err error) {
	if len(b) < 5 {
		return false, nil, nil, ErrMalformedLayer
	}
	final = b[0] == 1
	n := binary.BigEndian.Uint32(b[1:5])
	if 5+int(n) > len(b) {
		return false, nil, nil, ErrMalformedLayer
	}
	nextAddr = b[5 : 5+int(n)]
	inner = b[5+int(n):]
	return final, nextAddr, inner, nil
}

// sealLayer encrypts plain for recipient peerPub: fresh ephemeral X25519
// keypair, HKDF-derived AEAD key over the shared secret, random 24-byte
// nonce. Wire shape is ephemeral_pub(32) || nonce(24) || ciphertext,
// mirroring the teacher's onionPacket{EphemeralPub, Ciphertext} but as raw
// bytes instead of JSON/base64.
func sealLayer(peerPub [32]byte, plain []byte) ([]byte, error) {
	ephPriv, ephPub, err := mmcrypto.X25519Keypair()
	if err != nil {
		return nil, err
	}
	shared, err := mmcrypto.X25519Shared(ephPriv, peerPub)
	if err != nil {
		return nil, err
	}
	key, err := mmcrypto.HKDFExpand(shared, onionKeyTag, 32)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if err := mmcrypto.CSPRNGFill(nonce[:]); err != nil {
		return nil, err
	}
	ct, err := mmcrypto.AEADSeal(key, nonce[:], nil, plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+24+len(ct))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

func openLayer(priv [32]byte, packet []byte) ([]byte, error) {
	if len(packet) < 32+24 {
		return nil, ErrMalformedLayer
	}
	var ephPub [32]byte
	copy(ephPub[:], packet[:32])
	nonce := packet[32:56]
	ct := packet[56:]

	shared, err := mmcrypto.X25519Shared(priv, ephPub)
	if err != nil {
		return nil, err
	}
	key, err := mmcrypto.HKDFExpand(shared, onionKeyTag, 32)
	if err != nil {
		return nil, err
	}
	return mmcrypto.AEADOpen(key, nonce, nil, ct)
}

// BuildOnion assembles the full onion for hops (ordered outermost-first is
// NOT required; hops is ordered [hop0, hop1, ..., finalHop] the way the
// sender will traverse it). Layers are built innermost-out per §4.8: the
// final hop's layer wraps payload, each preceding hop's layer wraps the
// previous result and points at the next hop's address. Every layer is
// padded to a fixed bucket before sealing. The returned bytes are what the
// sender transmits to hops[0].
func BuildOnion(hops []HopSpec, payload []byte) ([]byte, error) {
	if len(hops) == 0 {
		return nil, ErrEmptyRoute
	}
	inner := payload
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		final := i == len(hops)-1
		var nextAddr []byte
		if !final {
			nextAddr = hops[i+1].NextAddress
		}
		plain := PadToBucket(encodeLayerPlain(final, nextAddr, inner))
		layer, err := sealLayer(h.OnionPub, plain)
		if err != nil {
			return nil, err
		}
		inner = layer
	}
	return inner, nil
}

// PeelLayer decrypts one layer of packet using priv, the receiving hop's
// long-term onion private key. If final is true, inner is the terminal
// plaintext payload; otherwise inner is the onion packet to forward to
// nextAddr.
func PeelLayer(priv [32]byte, packet []byte) (final bool, nextAddr, inner []byte, err error) {
	plain, err := openLayer(priv, packet)
	if err != nil {
		return false, nil, nil, err
	}
	unpadded, err := UnpadFromBucket(plain)
	if err != nil {
		return false, nil, nil, err
	}
	return decodeLayerPlain(unpadded)
}
