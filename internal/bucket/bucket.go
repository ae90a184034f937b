// Package bucket implements the token-bucket algorithm as a pure,
// synchronous value type. It has no knowledge of keys, rules, or
// storage — those concerns live in rules, localstore, and diststore.
// Keeping the algorithm free of any suspension point makes it trivially
// testable and race-free under a single mutex, and usable from any
// scheduling model (goroutine, Lua-on-Redis, whatever).
package bucket

import (
	"math"
	"time"
)

// maxElapsedMillis bounds how much elapsed time a single refill will
// honor. Without this cap, an idle bucket that wakes up after a long
// pause (or after a clock jump) would refill as if the full gap had
// elapsed, handing out a burst far larger than the configured rate
// ever intended.
const maxElapsedMillis = int64(time.Hour / time.Millisecond)

// maxTimeUntilMillis bounds the reported wait time for a request that
// can never be satisfied soon; see TimeUntil.
const maxTimeUntilMillis = int64(24 * time.Hour / time.Millisecond)

// tokenEpsilon absorbs the rounding error that repeated fractional
// refills leave behind (ten refills of 0.1 sum to 0.9999999999999999),
// so such a bucket still counts as holding the whole token.
const tokenEpsilon = 1e-9

// Bucket is the per-key token-bucket state. Capacity and RefillRate are
// copied from the governing rule at creation time; Tokens is retained as
// a float so that slow refill rates (0.1 tokens/s) accumulate correctly
// across short intervals instead of rounding to zero every call.
type Bucket struct {
	Capacity     float64
	RefillRate   float64 // tokens per second
	Tokens       float64
	LastRefillMs int64
}

// New returns a full bucket for the given rule parameters, as if it had
// just been created in response to a first reference to its key.
func New(capacity float64, refillRate float64, nowMs int64) Bucket {
	return Bucket{
		Capacity:     capacity,
		RefillRate:   refillRate,
		Tokens:       capacity,
		LastRefillMs: nowMs,
	}
}

// Refill advances the bucket to nowMs. It is idempotent: calling it
// twice with the same nowMs (or nowMs before LastRefillMs) is a no-op.
func (b *Bucket) Refill(nowMs int64) {
	elapsed := nowMs - b.LastRefillMs
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxElapsedMillis {
		elapsed = maxElapsedMillis
	}
	if elapsed < 1 {
		return
	}

	added := b.RefillRate * (float64(elapsed) / 1000.0)
	if math.IsNaN(added) || math.IsInf(added, 0) || added <= 0 {
		added = 0
	}

	b.Tokens = math.Min(b.Capacity, b.Tokens+added)
	b.LastRefillMs = nowMs
}

// TryConsume refills the bucket to nowMs and, if at least n tokens are
// available, consumes them and returns true. Equality (Tokens == n) is
// admitted — the bucket's documented capacity is inclusive. A shortfall
// smaller than tokenEpsilon also counts as equality.
func (b *Bucket) TryConsume(n float64, nowMs int64) bool {
	b.Refill(nowMs)
	if b.Tokens+tokenEpsilon >= n {
		b.Tokens = math.Max(0, b.Tokens-n)
		return true
	}
	return false
}

// Available is the floor of the current token count, the value exposed
// to callers as "remaining".
func (b *Bucket) Available() int64 {
	return int64(math.Floor(b.Tokens))
}

// TimeUntil reports how many milliseconds must elapse before n tokens
// are available, without mutating the bucket. A refill_rate of zero
// (or a bucket that will never refill) reports math.MaxInt64 ("never").
// The result is capped at 24 hours so a caller never computes an
// astronomically large Retry-After.
func (b *Bucket) TimeUntil(n float64) int64 {
	if b.Tokens+tokenEpsilon >= n {
		return 0
	}
	if b.RefillRate <= 0 {
		return math.MaxInt64
	}
	needed := n - b.Tokens
	ms := int64(math.Ceil(needed / b.RefillRate * 1000.0))
	if ms > maxTimeUntilMillis {
		return maxTimeUntilMillis
	}
	if ms < 0 {
		return 0
	}
	return ms
}
