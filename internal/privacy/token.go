package privacy

import (
	"errors"
	"sync"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

const capabilityTokenTag = "MM-CapToken-v1"

// ErrTokenExpired and ErrTokenBadSignature are CapabilityToken validation
// failures.
var (
	ErrTokenExpired      = errors.New("privacy: capability token expired")
	ErrTokenBadSignature = errors.New("privacy: capability token signature invalid")
)

// CapabilityToken is how one node's overlay identity becomes visible to
// another (§4.8): issued by the overlay side, signed under the issuer's
// clearnet long-term key so the grantee can verify it against the issuer's
// DHT-published clearnet public key. Granting a token is the only way a
// party learns another's overlay destination.
type CapabilityToken struct {
	IssuerClearnet     identity.NodeID
	GranteeClearnet    identity.NodeID
	OverlayDestination identity.NodeID
	IssuedAt           time.Time
	ExpiresAt          time.Time
	Signature          []byte
}

func tokenSignedFields(t CapabilityToken) [][]byte {
	var issued, expires [8]byte
	putUnixBE(issued[:], t.IssuedAt)
	putUnixBE(expires[:], t.ExpiresAt)
	return [][]byte{
		t.GranteeClearnet[:], t.OverlayDestination[:], issued[:], expires[:],
	}
}

func putUnixBE(buf []byte, t time.Time) {
	u := uint64(t.Unix())
	for i := 7; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
}

// IssueCapabilityToken lets issuer's overlay identity grant grantee's
// clearnet NodeID access to issuer's overlay destination, signed under
// issuer's clearnet key (§4.8 — the signature authority is deliberately the
// clearnet identity, not the overlay one, so the grantee can verify it
// against a publicly resolvable key).
func IssueCapabilityToken(issuerClearnet *identity.Identity, issuerOverlay *identity.Identity, grantee identity.NodeID, ttl time.Duration, now time.Time) CapabilityToken {
	t := CapabilityToken{
		IssuerClearnet: issuerClearnet.NodeID, GranteeClearnet: grantee,
		OverlayDestination: issuerOverlay.NodeID, IssuedAt: now, ExpiresAt: now.Add(ttl),
	}
	t.Signature = issuerClearnet.SignStructured(capabilityTokenTag, tokenSignedFields(t)...)
	return t
}

// VerifyCapabilityToken checks t's signature against the issuer's clearnet
// public key and that t has not expired as of now.
func VerifyCapabilityToken(t CapabilityToken, issuerClearnetPub []byte, now time.Time) error {
	if now.After(t.ExpiresAt) {
		return ErrTokenExpired
	}
	if !identity.VerifyStructured(issuerClearnetPub, capabilityTokenTag, t.Signature, tokenSignedFields(t)...) {
		return ErrTokenBadSignature
	}
	return nil
}

// TokenStore holds received capability tokens. It is explicitly a
// sensitive, local-only store — tokens reveal overlay destinations and must
// never be published or shared with a ledger sink (§4.8).
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[identity.NodeID]CapabilityToken // keyed by issuer clearnet NodeID
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[identity.NodeID]CapabilityToken)}
}

func (s *TokenStore) Put(t CapabilityToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.IssuerClearnet] = t
}

func (s *TokenStore) Get(issuerClearnet identity.NodeID) (CapabilityToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[issuerClearnet]
	return t, ok
}

func (s *TokenStore) Delete(issuerClearnet identity.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, issuerClearnet)
}

// Wipe clears every token so overlay destinations don't linger in process
// memory longer than necessary. Node.Stop does not call it.
func (s *TokenStore) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[identity.NodeID]CapabilityToken)
}
