// Package router implements the transport-agnostic router (§4.7): inbound
// validation, dedup, rate limiting, TTL discipline, next-hop/adapter
// selection, fragmentation, offline store-and-forward, and priority
// queuing. The teacher has no router of its own (its onion relay in
// mixnet.go and its direct libp2p streams in node.go go straight from
// decode to dispatch) — this package is new structure built directly from
// §4.7, using the same explicit-struct-plus-mutex-or-channel shape the
// teacher uses throughout (PeerStore, rtts map).
package router

import (
	"container/list"
	"sync"

	"github.com/myriadmesh/myriadmesh/internal/codec"
)

// OutboundQueueEntry is one pending send (§3).
type OutboundQueueEntry struct {
	Frame        []byte
	Message      *codec.Message
	AdapterName  string
	Address      []byte
	EnqueuedAt   int64 // unix nanos, filled by caller (avoids time.Now inside the queue for testability)
	RetryCount   int
	ScheduledRetryAt int64
}

// PriorityQueue holds strict-priority, FIFO-within-priority outbound
// entries across the five QoS classes (§3).
type PriorityQueue struct {
	mu    sync.Mutex
	lanes [5]*list.List
}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{}
	for i := range pq.lanes {
		pq.lanes[i] = list.New()
	}
	return pq
}

func (pq *PriorityQueue) Push(p codec.Priority, e *OutboundQueueEntry) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.lanes[p].PushBack(e)
}

// Pop removes and returns the highest-priority, oldest-enqueued entry, or
// nil if the queue is empty.
func (pq *PriorityQueue) Pop() *OutboundQueueEntry {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for _, lane := range pq.lanes {
		if front := lane.Front(); front != nil {
			lane.Remove(front)
			return front.Value.(*OutboundQueueEntry)
		}
	}
	return nil
}

func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	n := 0
	for _, lane := range pq.lanes {
		n += lane.Len()
	}
	return n
}

func (pq *PriorityQueue) LenAt(p codec.Priority) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.lanes[p].Len()
}
