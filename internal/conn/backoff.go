// Package conn owns hub and peer connectivity: the reconnection state
// machine with its backoff, the orthogonal peer count, and the derived
// "has any connection" signal the UI and gateway consume. It is the only
// component that touches the hub socket or the peer set; the engine hands
// it deltas to broadcast and receives remote frames back through the
// sink interface.
package conn

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter. The zero value
// is usable and falls back to the defaults (500ms doubling up to 30s,
// half-range jitter).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64        // fraction of the delay randomized away, 0..1
	Rand    func() float64 // defaults to math/rand; injectable for tests
}

// DefaultBackoff returns the hub reconnection policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.5,
	}
}

func (b Backoff) defaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	return b
}

// Base returns the undithered delay before the attempt-th consecutive
// retry (attempt >= 1). It grows geometrically and never exceeds Max, so
// retry intervals are monotonically non-decreasing up to the ceiling.
func (b Backoff) Base(attempt int) time.Duration {
	b = b.defaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Delay returns the jittered wait before the attempt-th retry, uniform in
// [Base*(1-Jitter), Base]. Jitter keeps a fleet of replicas from
// hammering a recovering hub in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	j := b.Jitter
	if j <= 0 {
		return base
	}
	if j > 1 {
		j = 1
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	return time.Duration(float64(base) * (1 - j*random()))
}
