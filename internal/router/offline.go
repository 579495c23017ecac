package router

import (
	"sync"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/identity"
)

const (
	OfflineCacheTTL = 7 * 24 * time.Hour
	offlinePerDestCap = 256
	offlineGlobalByteCap = 64 << 20 // 64 MiB
)

type offlineEntry struct {
	dest     identity.NodeID
	message  *codec.Message
	expires  time.Time
	priority codec.Priority
}

// OfflineCache is the store-and-forward cache for destinations currently
// unreachable (§3, §4.7 step 2): per-destination capacity, a global byte
// cap, priority+LRU eviction under pressure, TTL 7 days by default.
type OfflineCache struct {
	mu         sync.Mutex
	byDest     map[identity.NodeID][]*offlineEntry
	totalBytes int
}

func NewOfflineCache() *OfflineCache {
	return &OfflineCache{byDest: make(map[identity.NodeID][]*offlineEntry)}
}

// Enqueue caches msg for dest. If the per-destination cap or global byte
// cap would be exceeded, the lowest-priority, oldest entry is evicted first
// (priority then LRU eviction).
func (c *OfflineCache) Enqueue(dest identity.NodeID, msg *codec.Message, priority codec.Priority, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &offlineEntry{dest: dest, message: msg, expires: now.Add(OfflineCacheTTL), priority: priority}
	entries := c.byDest[dest]

	for len(entries) >= offlinePerDestCap {
		entries = evictWorst(entries, &c.totalBytes)
	}
	for c.totalBytes+len(msg.Payload) > offlineGlobalByteCap && c.evictGlobalWorst() {
	}

	entries = append(entries, entry)
	c.byDest[dest] = entries
	c.totalBytes += len(msg.Payload)
}

func evictWorst(entries []*offlineEntry, totalBytes *int) []*offlineEntry {
	worstIdx := 0
	for i, e := range entries {
		if e.priority > entries[worstIdx].priority {
			worstIdx = i
		}
	}
	*totalBytes -= len(entries[worstIdx].message.Payload)
	return append(entries[:worstIdx], entries[worstIdx+1:]...)
}

// evictGlobalWorst drops the single globally lowest-priority, oldest entry
// across all destinations. Returns false if the cache is empty.
func (c *OfflineCache) evictGlobalWorst() bool {
	var worstDest identity.NodeID
	worstIdx := -1
	var worstPriority codec.Priority
	var worstExpires time.Time
	for dest, entries := range c.byDest {
		for i, e := range entries {
			if worstIdx == -1 || e.priority > worstPriority ||
				(e.priority == worstPriority && e.expires.Before(worstExpires)) {
				worstDest, worstIdx, worstPriority, worstExpires = dest, i, e.priority, e.expires
			}
		}
	}
	if worstIdx == -1 {
		return false
	}
	entries := c.byDest[worstDest]
	c.totalBytes -= len(entries[worstIdx].message.Payload)
	c.byDest[worstDest] = append(entries[:worstIdx], entries[worstIdx+1:]...)
	return true
}

// Drain removes and returns every unexpired cached message for dest
// (called once a route to dest appears).
func (c *OfflineCache) Drain(dest identity.NodeID, now time.Time) []*codec.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byDest[dest]
	delete(c.byDest, dest)

	var out []*codec.Message
	for _, e := range entries {
		if now.Before(e.expires) {
			out = append(out, e.message)
		}
		c.totalBytes -= len(e.message.Payload)
	}
	return out
}

// Destinations lists every destination currently holding cached entries,
// the candidate set a periodic sweep should re-check against the DHT.
func (c *OfflineCache) Destinations() []identity.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]identity.NodeID, 0, len(c.byDest))
	for dest := range c.byDest {
		out = append(out, dest)
	}
	return out
}

// Size reports the number of distinct destinations with cached entries and
// the total cached bytes (§6 admin/query surface).
func (c *OfflineCache) Size() (destinations int, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byDest), c.totalBytes
}

// Sweep removes expired entries across all destinations.
func (c *OfflineCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for dest, entries := range c.byDest {
		kept := entries[:0]
		for _, e := range entries {
			if now.Before(e.expires) {
				kept = append(kept, e)
			} else {
				c.totalBytes -= len(e.message.Payload)
			}
		}
		if len(kept) == 0 {
			delete(c.byDest, dest)
		} else {
			c.byDest[dest] = kept
		}
	}
}
