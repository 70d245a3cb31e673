package terminal

import (
	"math"
	"sync"
	"time"
)

// bucketCapacity is the steady-state (100) plus burst (20) ceiling a
// session's bucket can ever hold.
const bucketCapacity = 120

// initialTokens is what a freshly issued session starts with — steady
// capacity only, not the burst headroom.
const initialTokens = 100

// refillRate is tokens added per second of elapsed wall-clock time.
const refillRate = 100.0

// excessWarnEvery controls how often a sustained-excess warning is emitted;
// the caller is expected to check rateBucket.ExceededCount()%excessWarnEvery
// after a failed Consume and log accordingly.
const excessWarnEvery = 10

// rateBucket is a token bucket scoped to one terminal session. It is a
// hand-rolled implementation rather than golang.org/x/time/rate because the
// session's tokensAvailable and exceededCount must be directly observable
// for audit/metrics purposes and the refill math must match the spec's
// discrete floor(Δt·rate) formula exactly at second boundaries — x/time/rate
// exposes neither as testable state.
type rateBucket struct {
	mu            sync.Mutex
	tokens        float64
	lastRefill    time.Time
	exceededCount int
}

func newRateBucket() *rateBucket {
	return &rateBucket{
		tokens:     initialTokens,
		lastRefill: time.Now(),
	}
}

// Consume attempts to take one token. Returns true if a token was available
// (and consumed), false if the bucket was empty — in which case
// exceededCount is incremented.
func (b *rateBucket) Consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	if b.tokens < 1 {
		b.exceededCount++
		return false
	}
	b.tokens--
	return true
}

func (b *rateBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	added := math.Floor(elapsed * refillRate)
	if added <= 0 {
		return
	}
	b.tokens = math.Min(bucketCapacity, b.tokens+added)
	b.lastRefill = now
}

// TokensAvailable returns the current token count without consuming one,
// after applying any refill owed since the last observation.
func (b *rateBucket) TokensAvailable() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// ExceededCount returns how many Consume calls have failed since the bucket
// was created.
func (b *rateBucket) ExceededCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceededCount
}

// ShouldWarn reports whether the most recent failed Consume call was the
// Nth exhaustion event where N is a multiple of excessWarnEvery.
func (b *rateBucket) ShouldWarn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceededCount > 0 && b.exceededCount%excessWarnEvery == 0
}
