// Package localstore implements the process-local bucket registry:
// spec.md §4.4. The top-level map is sharded into a fixed power-of-two
// number of independent shards, each with its own mutex, so contention
// stays local to keys that happen to collide on the same shard instead
// of serializing every admission in the process behind one lock.
package localstore

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/bucket"
	"github.com/nrjones/ratelimitd/internal/clock"
	"github.com/nrjones/ratelimitd/internal/rules"
)

// DefaultShardCount matches the power-of-two suggestion in spec.md
// §4.4.
const DefaultShardCount = 64

// DefaultEvictionInterval is how often the background sweep runs.
const DefaultEvictionInterval = 60 * time.Second

// Outcome is the result of a LocalStore.Consume call; it carries
// exactly the fields AdmissionEngine needs to build an AdmissionOutcome
// without depending on the engine package.
type Outcome struct {
	Allowed      bool
	Remaining    int64
	RetryAfterMs int64
}

// Store is the sharded, in-process bucket registry.
type Store struct {
	shards []*shard
	mask   uint64
	clock  clock.Clock

	evictionInterval time.Duration
	stopSweep        chan struct{}
	sweepOnce        sync.Once
}

// New creates a Store with shardCount shards (rounded up to the next
// power of two) using clk as its time source — a MonotonicClock in
// production, so wall-clock adjustments never move a bucket backwards.
func New(shardCount int, clk clock.Clock) *Store {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shardCount = nextPowerOfTwo(shardCount)

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}

	return &Store{
		shards:           shards,
		mask:             uint64(shardCount - 1),
		clock:            clk,
		evictionInterval: DefaultEvictionInterval,
		stopSweep:        make(chan struct{}),
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return s.shards[h&s.mask]
}

// Consume performs the five-step sequence from spec.md §4.4: hash to a
// shard, acquire its mutex, look up or create the bucket, rewrite its
// capacity/refill-rate if the rule changed, then try-consume.
func (s *Store) Consume(key string, rule rules.Rule, tokens float64) Outcome {
	now := s.clock.NowMillis()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	capacity := float64(rule.Capacity)
	e, ok := sh.buckets[key]
	if !ok {
		b := bucket.New(capacity, rule.RefillRate, now)
		e = &entry{b: b, lastAccessMs: now}
		sh.buckets[key] = e
	} else if e.b.Capacity != capacity || e.b.RefillRate != rule.RefillRate {
		// Rule updates take effect on the next admission, per spec.md
		// §4.5/§9: we never reset tokens, only the ceiling and rate.
		e.b.Capacity = capacity
		e.b.RefillRate = rule.RefillRate
		if e.b.Tokens > capacity {
			e.b.Tokens = capacity
		}
	}

	allowed := e.b.TryConsume(tokens, now)
	e.lastAccessMs = now

	out := Outcome{
		Allowed:   allowed,
		Remaining: e.b.Available(),
	}
	if !allowed {
		out.RetryAfterMs = e.b.TimeUntil(tokens)
	}
	return out
}

// Peek reports the current state of key's bucket without consuming any
// tokens or creating one that doesn't already exist.
func (s *Store) Peek(key string, rule rules.Rule) (remaining int64, exists bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.buckets[key]
	if !ok {
		return int64(rule.Capacity), false
	}
	now := s.clock.NowMillis()
	e.b.Refill(now)
	return e.b.Available(), true
}

// Reset deletes key's bucket from its shard, so the next Consume
// recreates it full.
func (s *Store) Reset(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.buckets, key)
}

// BucketCount sums the live bucket count across all shards, used by
// AdmissionEngine.Stats for operational visibility.
func (s *Store) BucketCount() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}

// StartEvictionSweeper launches a background goroutine that sweeps
// shards round-robin every evictionInterval (default 60s), removing
// buckets idle and full for longer than 2x their rule's window. Call
// Stop to end the goroutine.
func (s *Store) StartEvictionSweeper(windowFor func(key string) time.Duration) {
	if s.evictionInterval <= 0 {
		s.evictionInterval = DefaultEvictionInterval
	}
	ticker := time.NewTicker(s.evictionInterval)
	go func() {
		defer ticker.Stop()
		shardIdx := 0
		for {
			select {
			case <-s.stopSweep:
				return
			case <-ticker.C:
				s.sweepShard(shardIdx, windowFor)
				shardIdx = (shardIdx + 1) % len(s.shards)
			}
		}
	}()
}

func (s *Store) sweepShard(idx int, windowFor func(key string) time.Duration) {
	sh := s.shards[idx]
	now := s.clock.NowMillis()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	evicted := 0
	for key, e := range sh.buckets {
		window := windowFor(key)
		horizon := int64(2 * window.Milliseconds())
		idleMs := now - e.lastAccessMs
		full := math.Abs(e.b.Tokens-e.b.Capacity) < 1e-9
		if idleMs > horizon && full {
			delete(sh.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().
			Str("component", "localstore").
			Int("shard", idx).
			Int("evicted", evicted).
			Msg("swept idle buckets")
	}
}

// Stop ends the eviction sweeper goroutine, if one was started.
func (s *Store) Stop() {
	s.sweepOnce.Do(func() {
		close(s.stopSweep)
	})
}
