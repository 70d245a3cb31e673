package terminal

import "testing"

func TestRateBucket_BoundaryExhaustion(t *testing.T) {
	b := newRateBucket()
	for i := 0; i < initialTokens; i++ {
		if !b.Consume() {
			t.Fatalf("consumption %d unexpectedly failed", i)
		}
	}
	if b.Consume() {
		t.Fatalf("expected the 101st consumption to fail")
	}
	if b.ExceededCount() != 1 {
		t.Fatalf("expected exceededCount=1, got %d", b.ExceededCount())
	}
}

func TestRateBucket_RefillAfterOneSecond(t *testing.T) {
	b := newRateBucket()
	for i := 0; i < initialTokens; i++ {
		b.Consume()
	}
	// Simulate one second of elapsed wall clock without a real sleep.
	b.lastRefill = b.lastRefill.Add(-1_000_000_000)
	if !b.Consume() {
		t.Fatalf("expected consumption to succeed after 1s of refill")
	}
}

func TestRateBucket_CapAtBucketCapacity(t *testing.T) {
	b := newRateBucket()
	// Simulate ten seconds of elapsed time — far more than enough to refill
	// past the cap if the min() clamp were missing.
	b.lastRefill = b.lastRefill.Add(-10_000_000_000)
	if got := b.TokensAvailable(); got != bucketCapacity {
		t.Fatalf("expected tokens capped at %v, got %v", bucketCapacity, got)
	}
}

func TestRateBucket_ShouldWarnEveryTenth(t *testing.T) {
	b := newRateBucket()
	b.tokens = 0
	for i := 0; i < 9; i++ {
		b.Consume()
		if b.ShouldWarn() {
			t.Fatalf("did not expect warning at exceeded count %d", i+1)
		}
	}
	b.Consume()
	if !b.ShouldWarn() {
		t.Fatalf("expected warning at the 10th exceeded consumption")
	}
}
