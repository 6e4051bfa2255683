package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes retry delays: exponential growth from Base, capped at Cap,
// plus up to Jitter of random spread. Attempts count failed processing
// attempts, starting at 0 before the first failure.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// Default mirrors the production settings: 2s base, 10m cap, 1s jitter.
var Default = Policy{
	Base:   2 * time.Second,
	Cap:    10 * time.Minute,
	Jitter: time.Second,
}

// NextDelay returns the wait before the next retry after the given number of
// failed attempts. Deterministic apart from the jitter term.
func (p Policy) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := float64(p.Base) * math.Pow(2, float64(attempts))
	wait := p.Cap
	if exp < float64(p.Cap) {
		wait = time.Duration(exp)
	}
	if p.Jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return wait
}
