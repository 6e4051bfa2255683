package backoff

import (
	"testing"
	"time"
)

func TestNextDelayBounds(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: 10 * time.Minute, Jitter: time.Second}

	for attempts := 0; attempts < 20; attempts++ {
		d := p.NextDelay(attempts)
		if d < p.Base {
			t.Fatalf("attempt %d: delay %s below base %s", attempts, d, p.Base)
		}
		if d > p.Cap+p.Jitter {
			t.Fatalf("attempt %d: delay %s above cap+jitter %s", attempts, d, p.Cap+p.Jitter)
		}
	}
}

func TestNextDelayNonDecreasing(t *testing.T) {
	// No jitter so the deterministic part can be compared directly.
	p := Policy{Base: 2 * time.Second, Cap: 10 * time.Minute}

	prev := time.Duration(0)
	for attempts := 0; attempts < 15; attempts++ {
		d := p.NextDelay(attempts)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempts, d, prev)
		}
		prev = d
	}
	if prev != p.Cap {
		t.Fatalf("expected delay to reach cap %s, got %s", p.Cap, prev)
	}
}

func TestNextDelayNegativeAttempts(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute}
	if d := p.NextDelay(-3); d != time.Second {
		t.Fatalf("expected base delay for negative attempts, got %s", d)
	}
}
