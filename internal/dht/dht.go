// Package dht implements the Kademlia-style routing table (§4.6): 512
// buckets over a 64-byte NodeID space, k=20 live entries per bucket with a
// replacement cache, subnet/prefix diversity enforcement, and signed STORE
// with per-publisher quotas. This generalizes the teacher's toy dht.go
// (a map keyed by big.Int XOR distance with no bucketing, no diversity, and
// no admission control) into the full structure the spec requires; only the
// XOR-distance concept survives from the teacher, now built on
// identity.NodeID's fixed-width distance/bucket-index methods instead of
// math/big.
package dht

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

const (
	NumBuckets        = identity.NodeIDSize * 8 // 512
	K                 = 20
	Alpha             = 3
	PoWDifficultyBits = 16
	BucketRefreshAge  = time.Hour
	FailureEvictThreshold = 5
	StaleEvictAge     = time.Hour

	maxPerSubnetV4 = 2
	maxPerPrefix2B = 3
)

var (
	ErrInvalidPoW      = errors.New("dht: invalid proof-of-work")
	ErrIdentityMismatch = errors.New("dht: nodeid does not derive from public key")
	ErrDiversityViolation = errors.New("dht: diversity rule violated")
	ErrBucketFull      = errors.New("dht: bucket full, candidate queued")
	ErrQuotaExceeded   = errors.New("dht: publisher quota exceeded")
	ErrBadSignature    = errors.New("dht: signature invalid")
	ErrNotFound        = errors.New("dht: key not found")
)

// AdapterDescriptor is an advertised transport endpoint for a node.
type AdapterDescriptor struct {
	Type    string
	Address []byte
}

// NodeInfo is a routing-table entry (Bucket entry, §3).
type NodeInfo struct {
	NodeID      identity.NodeID
	PoWNonce    uint64
	PublicKey   []byte
	Adapters    []AdapterDescriptor
	Capabilities map[string]float64
	Reputation  float64
	LastSeen    time.Time
	FirstSeen   time.Time
	FailureCount int
}

// PublicNodeInfo is the subset of NodeInfo returned across the wire by
// FIND_NODE/FIND_VALUE — the anonymous-overlay identity is excluded by type,
// not by filtering at call sites (§4.6).
type PublicNodeInfo struct {
	NodeID       identity.NodeID
	PublicKey    []byte
	PoWNonce     uint64
	Adapters     []AdapterDescriptor
	Capabilities map[string]float64
	LastSeen     time.Time
	Reputation   float64
}

func (n NodeInfo) Public() PublicNodeInfo {
	return PublicNodeInfo{
		NodeID: n.NodeID, PublicKey: n.PublicKey, PoWNonce: n.PoWNonce,
		Adapters: n.Adapters, Capabilities: n.Capabilities,
		LastSeen: n.LastSeen, Reputation: n.Reputation,
	}
}

// subnetKey returns the IPv4 /24 or IPv6 /48 grouping key for a node's
// primary advertised address, empty if no usable address is present.
func subnetKey(n NodeInfo) string {
	for _, a := range n.Adapters {
		ip := net.IP(a.Address)
		if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			mask := net.CIDRMask(24, 32)
			return v4.Mask(mask).String()
		}
		mask := net.CIDRMask(48, 128)
		return ip.Mask(mask).String()
	}
	return ""
}

func prefixKey(id identity.NodeID) [2]byte {
	return [2]byte{id[0], id[1]}
}

// bucket holds the live entries and replacement cache for one distance
// range, guarded by its own lock per §5's per-bucket sharding requirement.
type bucket struct {
	mu           sync.RWMutex
	entries      []NodeInfo // insertion order approximates least-recently-seen
	replacements []NodeInfo
	lastActivity time.Time
}

// RoutingTable is the full 512-bucket Kademlia table rooted at self.
type RoutingTable struct {
	self identity.NodeID

	// insertMu serialises Insert so the table-wide diversity count and the
	// insert it admits cannot interleave with another insert.
	insertMu sync.Mutex

	buckets [NumBuckets]*bucket
}

func NewRoutingTable(self identity.NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

func (rt *RoutingTable) bucketFor(id identity.NodeID) *bucket {
	idx := rt.self.BucketIndex(id)
	if idx < 0 {
		idx = 0
	}
	return rt.buckets[idx]
}

func evictable(n NodeInfo) bool {
	return n.FailureCount >= FailureEvictThreshold || time.Since(n.LastSeen) >= StaleEvictAge
}

// checkDiversity reports whether adding candidate keeps the table within the
// subnet and NodeID-prefix diversity rules, counting live entries across all
// buckets and ignoring the candidate's own existing entry (for
// refresh-in-place calls).
func (rt *RoutingTable) checkDiversity(candidate NodeInfo) bool {
	sk := subnetKey(candidate)
	pk := prefixKey(candidate.NodeID)
	subnetCount, prefixCount := 0, 0
	for _, b := range rt.buckets {
		b.mu.RLock()
		for _, e := range b.entries {
			if e.NodeID == candidate.NodeID {
				continue
			}
			if sk != "" && subnetKey(e) == sk {
				subnetCount++
			}
			if prefixKey(e.NodeID) == pk {
				prefixCount++
			}
		}
		b.mu.RUnlock()
	}
	if sk != "" && subnetCount >= maxPerSubnetV4 {
		return false
	}
	if prefixCount >= maxPerPrefix2B {
		return false
	}
	return true
}

// Insert validates and inserts candidate per §4.6's admission rules:
// PoW must verify, NodeID must derive from the public key, diversity rules
// must hold, and either a free slot exists or the bucket head is evictable.
func (rt *RoutingTable) Insert(candidate NodeInfo) error {
	if !identity.VerifyPoW(candidate.NodeID, candidate.PublicKey, candidate.PoWNonce, PoWDifficultyBits) {
		return ErrInvalidPoW
	}
	if identity.DeriveNodeID(candidate.PublicKey) != candidate.NodeID {
		return ErrIdentityMismatch
	}

	rt.insertMu.Lock()
	defer rt.insertMu.Unlock()
	diverse := rt.checkDiversity(candidate)

	b := rt.bucketFor(candidate.NodeID)
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.NodeID == candidate.NodeID {
			b.entries[i] = candidate
			b.lastActivity = time.Now()
			return nil
		}
	}

	if !diverse {
		return ErrDiversityViolation
	}

	if len(b.entries) < K {
		b.entries = append(b.entries, candidate)
		b.lastActivity = time.Now()
		return nil
	}

	head := b.entries[0]
	if evictable(head) {
		b.replacements = append(b.replacements, head)
		if len(b.replacements) > K {
			b.replacements = b.replacements[len(b.replacements)-K:]
		}
		b.entries = append(b.entries[1:], candidate)
		b.lastActivity = time.Now()
		return nil
	}

	b.replacements = append(b.replacements, candidate)
	if len(b.replacements) > K {
		b.replacements = b.replacements[len(b.replacements)-K:]
	}
	return ErrBucketFull
}

// MarkFailure increments a node's consecutive failure count, making it
// eligible for head-of-bucket eviction once it crosses the threshold.
func (rt *RoutingTable) MarkFailure(id identity.NodeID) {
	b := rt.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].NodeID == id {
			b.entries[i].FailureCount++
			return
		}
	}
}

// MarkSuccess resets a node's failure count and bumps LastSeen on a
// successful interaction.
func (rt *RoutingTable) MarkSuccess(id identity.NodeID) {
	b := rt.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].NodeID == id {
			b.entries[i].FailureCount = 0
			b.entries[i].LastSeen = time.Now()
			return
		}
	}
}

// Closest returns up to n candidates ordered by XOR distance to target,
// ties broken by last-seen descending.
func (rt *RoutingTable) Closest(target identity.NodeID, n int) []NodeInfo {
	var all []NodeInfo
	for _, b := range rt.buckets {
		b.mu.RLock()
		all = append(all, b.entries...)
		b.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool {
		di := target.Distance(all[i].NodeID)
		dj := target.Distance(all[j].NodeID)
		if di == dj {
			return all[i].LastSeen.After(all[j].LastSeen)
		}
		return identity.NodeID(di).Less(identity.NodeID(dj))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// StaleBuckets returns indices of buckets with no recorded activity for
// longer than maxAge (§4.6 bucket refresh).
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	var stale []int
	now := time.Now()
	for i, b := range rt.buckets {
		b.mu.RLock()
		la := b.lastActivity
		b.mu.RUnlock()
		if la.IsZero() || now.Sub(la) > maxAge {
			stale = append(stale, i)
		}
	}
	return stale
}

// StoredValue is a signed DHT STORE record (§3, §4.6).
type StoredValue struct {
	Key          [32]byte
	Value        []byte
	Publisher    identity.NodeID
	PublisherKey []byte
	ExpiresAt    time.Time
	Signature    []byte
}

const storeTag = "MM-Store-v1"

func storeSignedFields(key [32]byte, value []byte, expiresAt time.Time) [][]byte {
	var exp [8]byte
	t := uint64(expiresAt.Unix())
	for i := 7; i >= 0; i-- {
		exp[i] = byte(t)
		t >>= 8
	}
	return [][]byte{key[:], value, exp[:]}
}

// SignStore signs key||value||expires_at under the publisher's identity,
// producing a record ready for Store.
func SignStore(id *identity.Identity, key [32]byte, value []byte, expiresAt time.Time) StoredValue {
	fields := storeSignedFields(key, value, expiresAt)
	return StoredValue{
		Key: key, Value: value, Publisher: id.NodeID, PublisherKey: id.Public,
		ExpiresAt: expiresAt, Signature: id.SignStructured(storeTag, fields...),
	}
}

func verifyStore(sv StoredValue) bool {
	if identity.DeriveNodeID(sv.PublisherKey) != sv.Publisher {
		return false
	}
	fields := storeSignedFields(sv.Key, sv.Value, sv.ExpiresAt)
	return identity.VerifyStructured(sv.PublisherKey, storeTag, sv.Signature, fields...)
}

// Store is the value-storage half of the DHT: signed STORE admission with
// per-publisher quotas (default 10% of capacity in both keys and bytes).
type Store struct {
	mu       sync.RWMutex
	values   map[[32]byte]StoredValue
	byPublisher map[identity.NodeID]int
	bytesByPublisher map[identity.NodeID]int

	capacityKeys  int
	capacityBytes int
	quotaFraction float64
}

func NewStore(capacityKeys, capacityBytes int) *Store {
	return &Store{
		values: make(map[[32]byte]StoredValue),
		byPublisher: make(map[identity.NodeID]int),
		bytesByPublisher: make(map[identity.NodeID]int),
		capacityKeys: capacityKeys, capacityBytes: capacityBytes,
		quotaFraction: 0.10,
	}
}

// Put validates sv's signature, enforces the publisher quota, and inserts
// it, evicting an existing identical key.
func (s *Store) Put(sv StoredValue) error {
	if !verifyStore(sv) {
		return ErrBadSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, bytes := s.byPublisher[sv.Publisher], s.bytesByPublisher[sv.Publisher]
	existing, replacing := s.values[sv.Key]
	if replacing && existing.Publisher == sv.Publisher {
		keys--
		bytes -= len(existing.Value)
	}

	quotaKeys := int(float64(s.capacityKeys) * s.quotaFraction)
	quotaBytes := int(float64(s.capacityBytes) * s.quotaFraction)
	if keys+1 > quotaKeys || bytes+len(sv.Value) > quotaBytes {
		return ErrQuotaExceeded
	}

	if replacing {
		s.byPublisher[existing.Publisher]--
		s.bytesByPublisher[existing.Publisher] -= len(existing.Value)
	}
	s.values[sv.Key] = sv
	s.byPublisher[sv.Publisher]++
	s.bytesByPublisher[sv.Publisher] += len(sv.Value)
	return nil
}

// Get returns the stored value for key if present and unexpired.
func (s *Store) Get(key [32]byte) (StoredValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sv, ok := s.values[key]
	if !ok || time.Now().After(sv.ExpiresAt) {
		return StoredValue{}, ErrNotFound
	}
	return sv, nil
}

// Sweep removes all expired entries, releasing their quota.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, sv := range s.values {
		if now.After(sv.ExpiresAt) {
			s.bytesByPublisher[sv.Publisher] -= len(sv.Value)
			s.byPublisher[sv.Publisher]--
			delete(s.values, k)
		}
	}
}

// HashKey derives a 32-byte store key from arbitrary bytes (e.g. a DHT
// lookup name), using the crypto layer's tagged hash truncated to 32 bytes
// — storage keys are a different namespace from NodeIDs and are explicitly
// half-width per §3 ("Key (32 B)").
func HashKey(name []byte) [32]byte {
	full := mmcrypto.HashWithTag("MM-StoreKey-v1", name)
	var key [32]byte
	copy(key[:], full[:32])
	return key
}
