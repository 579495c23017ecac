// Package mmcrypto is a thin typed wrapper over audited primitives.
//
// Nothing in this package implements cryptographic arithmetic itself: Ed25519
// signing comes from the standard library, BLAKE2b and X25519 and
// XChaCha20-Poly1305 come from golang.org/x/crypto. Callers get small,
// mistake-resistant entry points instead of reaching for the libraries
// directly, the way the teacher's crypto.go / mixnet.go wrapped hkdf,
// chacha20poly1305 and curve25519 calls.
package mmcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// Failure modes (§4.1). A wrong key or nonce size is reported as ErrBadKey
// and a failed AEAD open as ErrDecryptFailed; Verify reports failure as a
// false result, and CSPRNG/HKDF read errors are passed through unchanged.
var (
	ErrBadKey        = errors.New("mmcrypto: bad key")
	ErrDecryptFailed = errors.New("mmcrypto: decrypt failed")
	ErrVerifyFailed  = errors.New("mmcrypto: verify failed")
)

const (
	SigSize      = ed25519.SignatureSize // 64
	KeySize      = 32
	NonceSize    = chacha20poly1305.NonceSizeX // 24
	HashSize     = blake2b.Size512             // 64, never truncated
	ed25519PrivB = ed25519.PrivateKeySize
	ed25519PubB  = ed25519.PublicKeySize
)

// CSPRNGFill fills buf from the OS CSPRNG. All nonces, ephemeral keys, route
// IDs, PoW search seeds, timing jitter and cover-traffic choices must route
// through here or an equivalent crypto/rand read — never math/rand.
func CSPRNGFill(buf []byte) error {
	_, err := io.ReadFull(rand.Reader, buf)
	return err
}

// Blake2b512 hashes bytes with BLAKE2b-512. All 64 bytes are significant;
// truncating the result is the historical bug §3 forbids.
func Blake2b512(b []byte) [HashSize]byte {
	return blake2b.Sum512(b)
}

// HashWithTag hashes tag||data, giving every domain-separated hash in the
// system (NodeID derivation, DHT store keys) a distinct input space.
func HashWithTag(tag string, parts ...[]byte) [HashSize]byte {
	h, _ := blake2b.New512(nil)
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GenerateEd25519 creates a fresh long-term signing keypair from the CSPRNG.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs bytes with a long-term Ed25519 key.
func Sign(priv ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != ed25519PrivB {
		return nil, ErrBadKey
	}
	return ed25519.Sign(priv, msg), nil
}

// Verify checks an Ed25519 signature (ed25519.Verify uses constant-time
// comparisons internally). Key and signature lengths are checked first, so a
// malformed input returns false instead of panicking inside ed25519.Verify.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519PubB || len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ConstantTimeEqual is used anywhere two secrets or MACs are compared outside
// of an AEAD's own Open (e.g. comparing derived session fingerprints).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// X25519Keypair draws a fresh ephemeral or long-term X25519 keypair.
func X25519Keypair() (priv, pub [KeySize]byte, err error) {
	if err = CSPRNGFill(priv[:]); err != nil {
		return
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

// kxShared computes the raw X25519 shared secret.
func kxShared(priv, peerPub [KeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, ErrBadKey
	}
	return shared, nil
}

// X25519Shared exposes the raw shared secret for callers that need a single
// derived key rather than the swapped tx/rx pair KXClient/KXServer produce —
// onion routing's per-layer key derivation is the one other place in this
// system that does a bare X25519 exchange.
func X25519Shared(priv, peerPub [KeySize]byte) ([]byte, error) {
	return kxShared(priv, peerPub)
}

// KXClient derives (tx, rx) keys for the handshake initiator. The two sides
// of a channel derive tx/rx swapped from one another: the client's tx key is
// the server's rx key and vice versa. Both sides salt HKDF with the same
// (initiator, responder) public-key order, and KXServer assigns the two
// outputs in the opposite order.
func KXClient(ourPriv, ourPub, theirPub [KeySize]byte) (tx, rx [KeySize]byte, err error) {
	shared, err := kxShared(ourPriv, theirPub)
	if err != nil {
		return tx, rx, err
	}
	return hkdfPair(shared, ourPub[:], theirPub[:])
}

// KXServer is the initiator's handshake counterpart; tx/rx come out swapped
// relative to KXClient for the same (ourPub, theirPub) pair.
func KXServer(ourPriv, ourPub, theirPub [KeySize]byte) (tx, rx [KeySize]byte, err error) {
	shared, err := kxShared(ourPriv, theirPub)
	if err != nil {
		return tx, rx, err
	}
	rx, tx, err = hkdfPair(shared, theirPub[:], ourPub[:])
	return
}

// hkdfPair expands a shared secret into two independent 32-byte keys labeled
// by the ordered (a, b) public-key pair, so both sides compute the same two
// keys and agree on which is "first" / "second" without extra negotiation.
func hkdfPair(shared, a, b []byte) (first, second [KeySize]byte, err error) {
	salt := append(append([]byte{}, a...), b...)
	r := hkdf.New(newBlake2b256, shared, salt, []byte("MM-Channel-v1"))
	if _, err = io.ReadFull(r, first[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, second[:]); err != nil {
		return
	}
	return
}

// HKDFExpand derives n bytes from ikm under a context tag, used wherever a
// fixed label needs to separate unrelated derivations from the same secret.
func HKDFExpand(ikm []byte, tag string, n int) ([]byte, error) {
	r := hkdf.New(newBlake2b256, ikm, nil, []byte(tag))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AEADSeal seals plaintext under key with nonce and aad using
// XChaCha20-Poly1305. nonce must be NonceSize (24) bytes and unique for the
// key for the lifetime of the key — callers (internal/channel) own that
// discipline; this layer only refuses obviously wrong sizes.
func AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrBadKey
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrBadKey
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen opens a ciphertext sealed by AEADSeal.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrBadKey
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrBadKey
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}
