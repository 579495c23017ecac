package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DedupCapacity = 10_000
	DedupTTL      = time.Hour
)

// Dedup tracks (message_id -> first_seen_time) with LRU eviction (§3).
// Grounded on the reputation/peer-store pattern of a bounded map behind a
// lock, but uses golang-lru/v2 for the actual eviction policy rather than
// hand-rolling an LRU the way the teacher's PeerStore hand-rolls its map —
// the pack (orbas1-Synnergy, ethereum-go-ethereum) reaches for this library
// for exactly this kind of bounded cache.
type Dedup struct {
	mu    sync.Mutex
	cache *lru.Cache[[16]byte, time.Time]
}

func NewDedup() *Dedup {
	c, _ := lru.New[[16]byte, time.Time](DedupCapacity)
	return &Dedup{cache: c}
}

// SeenOrRecord returns true if id was already recorded within the TTL
// window (and should be dropped as a replay); otherwise it records id at
// now and returns false.
func (d *Dedup) SeenOrRecord(id [16]byte, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.cache.Get(id); ok {
		if now.Sub(first) < DedupTTL {
			return true
		}
	}
	d.cache.Add(id, now)
	return false
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
