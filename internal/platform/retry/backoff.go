// Package retry holds the stream supervision policy: capped exponential
// backoff with jitter and a bounded attempt budget.
package retry

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	JitterRatio float64
	MaxRetries  int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		Factor:      2.0,
		JitterRatio: 0.2,
		MaxRetries:  8,
	}
}

func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.JitterRatio < 0 {
		p.JitterRatio = 0
	} else if p.JitterRatio > 1 {
		p.JitterRatio = 1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

// Next computes the delay before retry number attempt (1-based). The
// value grows geometrically, is capped at Max, and is spread by the
// jitter ratio so restarting clients do not thunder in lockstep.
func (p Policy) Next(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	value := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if value > float64(p.Max) {
		value = float64(p.Max)
	}
	if p.JitterRatio <= 0 || rnd == nil {
		return time.Duration(value)
	}
	delta := value * p.JitterRatio
	low := value - delta
	high := value + delta
	if low < 0 {
		low = 0
	}
	out := low + rnd.Float64()*(high-low)
	if out > float64(p.Max) {
		out = float64(p.Max)
	}
	return time.Duration(out)
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
