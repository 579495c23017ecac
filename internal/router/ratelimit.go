package router

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/identity"
)

// Default rates (§4.7).
const (
	PerPeerRate  = 10
	PerPeerBurst = 50
	GlobalRate   = 1000
	GlobalBurst  = 1000
)

// RateLimiter applies per-peer and global token buckets; Emergency traffic
// bypasses the per-peer limit but still obeys the global cap (§4.7 QoS).
// Grounded on ethereum-go-ethereum's use of golang.org/x/time/rate for
// exactly this per-connection-plus-global limiter shape.
type RateLimiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perPeer map[identity.NodeID]*rate.Limiter
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(GlobalRate, GlobalBurst),
		perPeer: make(map[identity.NodeID]*rate.Limiter),
	}
}

func (r *RateLimiter) limiterFor(peer identity.NodeID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.perPeer[peer]
	if !ok {
		l = rate.NewLimiter(PerPeerRate, PerPeerBurst)
		r.perPeer[peer] = l
	}
	return l
}

// Allow reports whether a message from peer at priority p may proceed.
func (r *RateLimiter) Allow(peer identity.NodeID, p codec.Priority) bool {
	if p == codec.PriorityEmergency {
		return r.global.Allow()
	}
	if !r.limiterFor(peer).Allow() {
		return false
	}
	return r.global.Allow()
}
