package router

import (
	"math"
	"sort"

	"github.com/myriadmesh/myriadmesh/internal/adapter"
	"github.com/myriadmesh/myriadmesh/internal/codec"
)

// weights is the weighted-tier scoring table (priority x metric), each row
// summing to 1. The spec (§4.7) requires weights to vary by priority but
// leaves exact values open; this resolves that open question by favoring
// latency/reliability for urgent classes and cost/bandwidth for background
// classes, recorded in DESIGN.md.
var weights = map[codec.Priority][5]float64{
	codec.PriorityEmergency:  {0.50, 0.30, 0.10, 0.05, 0.05},
	codec.PriorityHigh:       {0.40, 0.30, 0.20, 0.05, 0.05},
	codec.PriorityNormal:     {0.25, 0.25, 0.25, 0.15, 0.10},
	codec.PriorityLow:        {0.10, 0.20, 0.30, 0.30, 0.10},
	codec.PriorityBackground: {0.05, 0.15, 0.20, 0.40, 0.20},
}

const referenceBandwidthBPS = 100_000_000 // 100 Mbps normalization reference
const referenceLatencyMS = 500.0

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Score computes the weighted-tier adapter score for a candidate adapter's
// capabilities at the given priority. Higher is better.
func Score(p codec.Priority, caps adapter.Capabilities) float64 {
	w := weights[p]

	latencyScore := clamp01(1 - float64(caps.TypicalLatency.Milliseconds())/referenceLatencyMS)
	reliabilityScore := clamp01(caps.Reliability)
	bandwidthScore := clamp01(float64(caps.TypicalBandwidth) / referenceBandwidthBPS)
	costScore := clamp01(1 - caps.TypicalCost)
	powerScore := clamp01(1 - caps.TypicalPower)

	return w[0]*latencyScore + w[1]*reliabilityScore + w[2]*bandwidthScore + w[3]*costScore + w[4]*powerScore
}

// Candidate pairs an adapter name with its capabilities for scoring.
type Candidate struct {
	Name string
	Caps adapter.Capabilities
}

// BestAdapter picks the highest-scoring candidate; ties are broken by lower
// cost then higher reliability (§4.7 step 4); under an exact tie the
// candidate listed first is kept.
func BestAdapter(p codec.Priority, candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	bestIdx := 0
	bestScore := Score(p, candidates[0].Caps)
	for i := 1; i < len(candidates); i++ {
		s := Score(p, candidates[i].Caps)
		if scoreBetter(s, candidates[i].Caps, bestScore, candidates[bestIdx].Caps) {
			bestIdx, bestScore = i, s
		}
	}
	return candidates[bestIdx].Name, true
}

// rankCandidates orders candidates best-to-worst by Score at priority p,
// the same ranking BestAdapter picks its winner from, for callers (such as
// multipath forwarding) that need more than just the single best.
func rankCandidates(p codec.Priority, candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.Slice(ranked, func(i, j int) bool {
		return scoreBetter(Score(p, ranked[i].Caps), ranked[i].Caps, Score(p, ranked[j].Caps), ranked[j].Caps)
	})
	return ranked
}

func scoreBetter(s float64, c adapter.Capabilities, bestS float64, bestC adapter.Capabilities) bool {
	const eps = 1e-9
	if math.Abs(s-bestS) > eps {
		return s > bestS
	}
	if math.Abs(c.TypicalCost-bestC.TypicalCost) > eps {
		return c.TypicalCost < bestC.TypicalCost
	}
	return c.Reliability > bestC.Reliability
}
