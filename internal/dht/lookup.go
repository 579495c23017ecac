package dht

import (
	"sort"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

const (
	QueryTimeout = 5 * time.Second
	MaxRounds    = 10
)

type candidateState int

const (
	statePending candidateState = iota
	stateQueried
	stateResponded
	stateFailed
)

type candidate struct {
	info      PublicNodeInfo
	state     candidateState
	distance  identity.NodeID
	queriedAt time.Time
}

// IterativeLookup drives a FIND_NODE/FIND_VALUE search toward target with
// parallelism alpha, per §4.6. It holds no network logic itself — the
// orchestrator calls NextQueryBatch, performs the actual RPCs, and reports
// results back via AddDiscovered/MarkResponded/MarkFailed.
type IterativeLookup struct {
	target     identity.NodeID
	self       identity.NodeID
	candidates map[identity.NodeID]*candidate
	round      int
	exactFound bool
}

func NewIterativeLookup(self, target identity.NodeID, seed []NodeInfo) *IterativeLookup {
	l := &IterativeLookup{
		target:     target,
		self:       self,
		candidates: make(map[identity.NodeID]*candidate),
	}
	l.AddDiscovered(seed)
	return l
}

// AddDiscovered inserts newly discovered nodes as Pending if they're closer
// than the current worst answer, or if the answer set hasn't reached k yet.
func (l *IterativeLookup) AddDiscovered(nodes []NodeInfo) {
	worst, haveWorst := l.worstResponder()
	for _, n := range nodes {
		if n.NodeID == l.target {
			l.exactFound = true
		}
		if _, exists := l.candidates[n.NodeID]; exists {
			continue
		}
		dist := l.target.Distance(n.NodeID)
		if haveWorst && l.countResponders() >= K {
			if !identity.NodeID(dist).Less(worst) {
				continue
			}
		}
		l.candidates[n.NodeID] = &candidate{info: n.Public(), state: statePending, distance: dist}
	}
}

func (l *IterativeLookup) countResponders() int {
	n := 0
	for _, c := range l.candidates {
		if c.state == stateResponded {
			n++
		}
	}
	return n
}

func (l *IterativeLookup) worstResponder() (identity.NodeID, bool) {
	var worst identity.NodeID
	found := false
	for _, c := range l.candidates {
		if c.state != stateResponded {
			continue
		}
		if !found || identity.NodeID(worst).Less(c.distance) {
			worst = c.distance
			found = true
		}
	}
	return worst, found
}

// NextQueryBatch returns up to alpha closest Pending candidates, marking
// them Queried.
func (l *IterativeLookup) NextQueryBatch() []PublicNodeInfo {
	var pending []*candidate
	for _, c := range l.candidates {
		if c.state == statePending {
			pending = append(pending, c)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return identity.NodeID(pending[i].distance).Less(pending[j].distance)
	})
	if len(pending) > Alpha {
		pending = pending[:Alpha]
	}

	out := make([]PublicNodeInfo, 0, len(pending))
	now := time.Now()
	for _, c := range pending {
		c.state = stateQueried
		c.queriedAt = now
		out = append(out, c.info)
	}
	return out
}

func (l *IterativeLookup) MarkResponded(id identity.NodeID) {
	if c, ok := l.candidates[id]; ok {
		c.state = stateResponded
	}
}

func (l *IterativeLookup) MarkFailed(id identity.NodeID) {
	if c, ok := l.candidates[id]; ok {
		c.state = stateFailed
	}
}

// CheckTimeouts flips Queried candidates older than QueryTimeout to Failed,
// and advances the round counter. Callers invoke this once per round after
// a batch's deadline passes.
func (l *IterativeLookup) CheckTimeouts() {
	now := time.Now()
	for _, c := range l.candidates {
		if c.state == stateQueried && now.Sub(c.queriedAt) > QueryTimeout {
			c.state = stateFailed
		}
	}
	l.round++
}

// IsComplete reports whether the lookup has converged: the exact target was
// found, the round budget is exhausted, or the answer set has reached k
// responders with no pending candidate strictly closer than the k-th
// answer.
func (l *IterativeLookup) IsComplete() bool {
	if l.exactFound {
		return true
	}
	if l.round >= MaxRounds {
		return true
	}
	if l.countResponders() < K {
		return false
	}
	worst, ok := l.worstResponder()
	if !ok {
		return false
	}
	for _, c := range l.candidates {
		if c.state == statePending && identity.NodeID(c.distance).Less(worst) {
			return false
		}
	}
	return true
}

// Answers returns up to k responders, plus the target itself once it has
// been discovered, ordered by distance to target.
func (l *IterativeLookup) Answers() []PublicNodeInfo {
	var responders []*candidate
	for _, c := range l.candidates {
		if c.state == stateResponded || (c.info.NodeID == l.target && c.state != stateFailed) {
			responders = append(responders, c)
		}
	}
	sort.Slice(responders, func(i, j int) bool {
		return identity.NodeID(responders[i].distance).Less(responders[j].distance)
	})
	if len(responders) > K {
		responders = responders[:K]
	}
	out := make([]PublicNodeInfo, 0, len(responders))
	for _, c := range responders {
		out = append(out, c.info)
	}
	return out
}
