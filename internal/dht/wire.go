package dht

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

// ErrMalformedRPC is returned when a FIND_NODE/FIND_VALUE/STORE wire body
// can't be parsed (§4.6).
var ErrMalformedRPC = errors.New("dht: malformed rpc body")

// rpcTagQuery/rpcTagResponse let a single codec.Type (TypeFindNode,
// TypeFindValue, TypeStore) carry both directions of the RPC; the
// orchestrator in internal/node tells them apart by this leading byte
// rather than by message direction.
const (
	rpcTagQuery    byte = 1
	rpcTagResponse byte = 2
)

type cursor struct {
	b   []byte
	off int
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

func (c *cursor) readFixed(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, ErrMalformedRPC
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v, nil
}

func (c *cursor) readUint64() (uint64, error) {
	v, err := c.readFixed(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (c *cursor) readBytes() ([]byte, error) {
	n, err := c.readUint64()
	if err != nil {
		return nil, err
	}
	return c.readFixed(int(n))
}

func (c *cursor) readNodeID() (identity.NodeID, error) {
	v, err := c.readFixed(identity.NodeIDSize)
	if err != nil {
		return identity.NodeID{}, err
	}
	var id identity.NodeID
	copy(id[:], v)
	return id, nil
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func encodePublicNodeInfo(buf []byte, n PublicNodeInfo) []byte {
	buf = append(buf, n.NodeID[:]...)
	buf = appendBytes(buf, n.PublicKey)
	buf = appendUint64(buf, n.PoWNonce)
	buf = appendUint64(buf, uint64(len(n.Adapters)))
	for _, a := range n.Adapters {
		buf = appendBytes(buf, []byte(a.Type))
		buf = appendBytes(buf, a.Address)
	}
	buf = appendUint64(buf, uint64(len(n.Capabilities)))
	for k, v := range n.Capabilities {
		buf = appendBytes(buf, []byte(k))
		buf = appendUint64(buf, math.Float64bits(v))
	}
	buf = appendUint64(buf, uint64(n.LastSeen.Unix()))
	buf = appendUint64(buf, math.Float64bits(n.Reputation))
	return buf
}

func decodePublicNodeInfo(c *cursor) (PublicNodeInfo, error) {
	var n PublicNodeInfo
	id, err := c.readNodeID()
	if err != nil {
		return n, err
	}
	n.NodeID = id
	if n.PublicKey, err = c.readBytes(); err != nil {
		return n, err
	}
	if n.PoWNonce, err = c.readUint64(); err != nil {
		return n, err
	}
	adapterCount, err := c.readUint64()
	if err != nil {
		return n, err
	}
	n.Adapters = make([]AdapterDescriptor, 0, adapterCount)
	for i := uint64(0); i < adapterCount; i++ {
		typ, err := c.readBytes()
		if err != nil {
			return n, err
		}
		addr, err := c.readBytes()
		if err != nil {
			return n, err
		}
		n.Adapters = append(n.Adapters, AdapterDescriptor{Type: string(typ), Address: addr})
	}
	capCount, err := c.readUint64()
	if err != nil {
		return n, err
	}
	if capCount > 0 {
		n.Capabilities = make(map[string]float64, capCount)
	}
	for i := uint64(0); i < capCount; i++ {
		key, err := c.readBytes()
		if err != nil {
			return n, err
		}
		bits, err := c.readUint64()
		if err != nil {
			return n, err
		}
		n.Capabilities[string(key)] = math.Float64frombits(bits)
	}
	lastSeen, err := c.readUint64()
	if err != nil {
		return n, err
	}
	n.LastSeen = time.Unix(int64(lastSeen), 0)
	rep, err := c.readUint64()
	if err != nil {
		return n, err
	}
	n.Reputation = math.Float64frombits(rep)
	return n, nil
}

func encodeStoredValue(buf []byte, sv StoredValue) []byte {
	buf = append(buf, sv.Key[:]...)
	buf = appendBytes(buf, sv.Value)
	buf = append(buf, sv.Publisher[:]...)
	buf = appendBytes(buf, sv.PublisherKey)
	buf = appendUint64(buf, uint64(sv.ExpiresAt.Unix()))
	buf = appendBytes(buf, sv.Signature)
	return buf
}

func decodeStoredValue(c *cursor) (StoredValue, error) {
	var sv StoredValue
	keyBytes, err := c.readFixed(32)
	if err != nil {
		return sv, err
	}
	copy(sv.Key[:], keyBytes)
	if sv.Value, err = c.readBytes(); err != nil {
		return sv, err
	}
	if sv.Publisher, err = c.readNodeID(); err != nil {
		return sv, err
	}
	if sv.PublisherKey, err = c.readBytes(); err != nil {
		return sv, err
	}
	exp, err := c.readUint64()
	if err != nil {
		return sv, err
	}
	sv.ExpiresAt = time.Unix(int64(exp), 0)
	if sv.Signature, err = c.readBytes(); err != nil {
		return sv, err
	}
	return sv, nil
}

// FindNodeQuery asks the receiver for its k closest known nodes to Target.
type FindNodeQuery struct {
	Target identity.NodeID
}

func (q FindNodeQuery) Marshal() []byte {
	buf := make([]byte, 0, 1+identity.NodeIDSize)
	buf = append(buf, rpcTagQuery)
	buf = append(buf, q.Target[:]...)
	return buf
}

// FindNodeResponse carries the responder's k closest nodes to Target.
type FindNodeResponse struct {
	Target identity.NodeID
	Nodes  []PublicNodeInfo
}

func (r FindNodeResponse) Marshal() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, rpcTagResponse)
	buf = append(buf, r.Target[:]...)
	buf = appendUint64(buf, uint64(len(r.Nodes)))
	for _, n := range r.Nodes {
		buf = encodePublicNodeInfo(buf, n)
	}
	return buf
}

// DecodeFindNode parses a TypeFindNode payload into whichever of
// FindNodeQuery/FindNodeResponse its leading tag byte names.
func DecodeFindNode(b []byte) (query *FindNodeQuery, resp *FindNodeResponse, err error) {
	if len(b) < 1+identity.NodeIDSize {
		return nil, nil, ErrMalformedRPC
	}
	c := &cursor{b: b, off: 1}
	target, err := c.readNodeID()
	if err != nil {
		return nil, nil, err
	}
	switch b[0] {
	case rpcTagQuery:
		return &FindNodeQuery{Target: target}, nil, nil
	case rpcTagResponse:
		count, err := c.readUint64()
		if err != nil {
			return nil, nil, err
		}
		nodes := make([]PublicNodeInfo, 0, count)
		for i := uint64(0); i < count; i++ {
			n, err := decodePublicNodeInfo(c)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, n)
		}
		return nil, &FindNodeResponse{Target: target, Nodes: nodes}, nil
	default:
		return nil, nil, ErrMalformedRPC
	}
}

// FindValueQuery asks the receiver for the stored value under Key, or (if
// absent) its closest known nodes to Key.
type FindValueQuery struct {
	Key [32]byte
}

func (q FindValueQuery) Marshal() []byte {
	buf := make([]byte, 0, 1+32)
	buf = append(buf, rpcTagQuery)
	buf = append(buf, q.Key[:]...)
	return buf
}

// FindValueResponse is either a hit (Found, Value populated) or a miss
// (Nodes populated with closer candidates, Kademlia-style).
type FindValueResponse struct {
	Key   [32]byte
	Found bool
	Value StoredValue
	Nodes []PublicNodeInfo
}

func (r FindValueResponse) Marshal() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, rpcTagResponse)
	buf = append(buf, r.Key[:]...)
	if r.Found {
		buf = append(buf, 1)
		buf = encodeStoredValue(buf, r.Value)
	} else {
		buf = append(buf, 0)
		buf = appendUint64(buf, uint64(len(r.Nodes)))
		for _, n := range r.Nodes {
			buf = encodePublicNodeInfo(buf, n)
		}
	}
	return buf
}

// DecodeFindValue parses a TypeFindValue payload.
func DecodeFindValue(b []byte) (query *FindValueQuery, resp *FindValueResponse, err error) {
	if len(b) < 1+32 {
		return nil, nil, ErrMalformedRPC
	}
	var key [32]byte
	copy(key[:], b[1:33])
	switch b[0] {
	case rpcTagQuery:
		return &FindValueQuery{Key: key}, nil, nil
	case rpcTagResponse:
		if len(b) < 34 {
			return nil, nil, ErrMalformedRPC
		}
		c := &cursor{b: b, off: 33}
		found := b[33]
		c.off = 34
		r := &FindValueResponse{Key: key, Found: found == 1}
		if r.Found {
			sv, err := decodeStoredValue(c)
			if err != nil {
				return nil, nil, err
			}
			r.Value = sv
		} else {
			count, err := c.readUint64()
			if err != nil {
				return nil, nil, err
			}
			r.Nodes = make([]PublicNodeInfo, 0, count)
			for i := uint64(0); i < count; i++ {
				n, err := decodePublicNodeInfo(c)
				if err != nil {
					return nil, nil, err
				}
				r.Nodes = append(r.Nodes, n)
			}
		}
		return nil, r, nil
	default:
		return nil, nil, ErrMalformedRPC
	}
}

// StoreRequest asks the receiver to admit Value into its value store.
type StoreRequest struct {
	Value StoredValue
}

func (r StoreRequest) Marshal() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, rpcTagQuery)
	buf = encodeStoredValue(buf, r.Value)
	return buf
}

// StoreResponse acknowledges a StoreRequest.
type StoreResponse struct {
	OK     bool
	Reason string
}

func (r StoreResponse) Marshal() []byte {
	buf := make([]byte, 0, 16+len(r.Reason))
	buf = append(buf, rpcTagResponse)
	if r.OK {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendBytes(buf, []byte(r.Reason))
	return buf
}

// DecodeStore parses a TypeStore payload.
func DecodeStore(b []byte) (req *StoreRequest, resp *StoreResponse, err error) {
	if len(b) < 1 {
		return nil, nil, ErrMalformedRPC
	}
	switch b[0] {
	case rpcTagQuery:
		c := &cursor{b: b, off: 1}
		sv, err := decodeStoredValue(c)
		if err != nil {
			return nil, nil, err
		}
		return &StoreRequest{Value: sv}, nil, nil
	case rpcTagResponse:
		if len(b) < 2 {
			return nil, nil, ErrMalformedRPC
		}
		c := &cursor{b: b, off: 2}
		reason, err := c.readBytes()
		if err != nil {
			return nil, nil, err
		}
		return nil, &StoreResponse{OK: b[1] == 1, Reason: string(reason)}, nil
	default:
		return nil, nil, ErrMalformedRPC
	}
}
