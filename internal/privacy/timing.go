package privacy

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Default forwarding-delay and route-build-time-normalization parameters
// (§4.8).
const (
	DefaultMinHopDelay     = 10 * time.Millisecond
	DefaultMaxHopDelay     = 200 * time.Millisecond
	DefaultBuildTimeTarget = 100 * time.Millisecond
)

// RandomHopDelay draws a uniform delay in [min, max) from the CSPRNG, the
// per-hop forwarding jitter that keeps hop count from being inferable from
// end-to-end latency (§4.8). Grounded on the teacher's
// rand.Int(rand.Reader, big.NewInt(500)) jitter in mixnet.go's relay
// handler, generalized to a configurable range.
func RandomHopDelay(min, max time.Duration) (time.Duration, error) {
	if max <= min {
		return min, nil
	}
	span := int64(max - min)
	v, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}
	return min + time.Duration(v.Int64()), nil
}

// NormalizeBuildTime returns how much longer the caller should sleep so
// that total route-build time reaches target, regardless of how long the
// real build took — or zero if it already exceeds target.
func NormalizeBuildTime(elapsed, target time.Duration) time.Duration {
	if elapsed >= target {
		return 0
	}
	return target - elapsed
}
