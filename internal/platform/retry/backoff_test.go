package retry

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffMonotonicWithoutJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Factor: 2, JitterRatio: 0, MaxRetries: 8}.Normalize()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		delay := p.Next(attempt, nil)
		if delay < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	p := DefaultPolicy().Normalize()
	rnd := rand.New(rand.NewSource(42))

	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 200; i++ {
			if delay := p.Next(attempt, rnd); delay > p.Max {
				t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, delay, p.Max)
			}
		}
	}
}

func TestBackoffJitterSpreadsAroundExpected(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Factor: 2, JitterRatio: 0.2, MaxRetries: 8}.Normalize()
	rnd := rand.New(rand.NewSource(7))

	// attempt 3 → expected 4s, jitter band [3.2s, 4.8s]
	for i := 0; i < 500; i++ {
		delay := p.Next(3, rnd)
		if delay < 3200*time.Millisecond || delay > 4800*time.Millisecond {
			t.Fatalf("delay %v outside jitter band", delay)
		}
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	p := Policy{}.Normalize()
	def := DefaultPolicy()
	if p.Base != def.Base || p.Max != def.Max || p.Factor != def.Factor || p.MaxRetries != def.MaxRetries {
		t.Fatalf("normalize did not apply defaults: %+v", p)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxRetries: 3}.Normalize()
	if p.Exhausted(2) {
		t.Fatal("budget should not be exhausted at 2 of 3")
	}
	if !p.Exhausted(3) {
		t.Fatal("budget should be exhausted at 3 of 3")
	}
}
