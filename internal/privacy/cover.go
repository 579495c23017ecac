package privacy

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

// DefaultCoverRatePerHour is 0 (disabled); the spec calls 10/h "typical
// when enabled" (§4.8).
const (
	DefaultCoverRatePerHour = 0.0
	TypicalCoverRatePerHour = 10.0
	CoverJitterFraction     = 0.20
)

// SendFunc dispatches one cover-traffic payload; callers wire this to the
// router with codec.TypeCoverTraffic so terminal nodes can discard the
// message by type alone rather than needing a payload marker.
type SendFunc func(ctx context.Context, payload []byte) error

// CoverScheduler emits dummy traffic at ratePerHour with ±20% jitter,
// drawing payload sizes from the same padding buckets real onion layers
// use so cover traffic is indistinguishable from real traffic by size
// alone (§4.8). A zero rate disables the scheduler entirely.
type CoverScheduler struct {
	ratePerHour float64
	send        SendFunc
}

func NewCoverScheduler(ratePerHour float64, send SendFunc) *CoverScheduler {
	return &CoverScheduler{ratePerHour: ratePerHour, send: send}
}

// GeneratePayload draws a random payload sized to one of the standard
// padding buckets.
func GeneratePayload() ([]byte, error) {
	idx, err := randIndex(len(PaddingBuckets))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, PaddingBuckets[idx])
	if err := mmcrypto.CSPRNGFill(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func jitteredInterval(base time.Duration) (time.Duration, error) {
	span := int64(float64(base) * CoverJitterFraction * 2)
	if span <= 0 {
		return base, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}
	offset := time.Duration(v.Int64()) - time.Duration(span/2)
	return base + offset, nil
}

// Run drives the scheduler until ctx is cancelled. A disabled scheduler
// (rate <= 0) returns immediately.
func (c *CoverScheduler) Run(ctx context.Context) error {
	if c.ratePerHour <= 0 {
		return nil
	}
	base := time.Duration(float64(time.Hour) / c.ratePerHour)

	for {
		interval, err := jitteredInterval(base)
		if err != nil {
			return err
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		payload, err := GeneratePayload()
		if err != nil {
			return err
		}
		if err := c.send(ctx, payload); err != nil {
			return err
		}
	}
}
