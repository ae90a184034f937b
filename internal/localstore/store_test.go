package localstore

import (
	"sync"
	"testing"
	"time"

	"github.com/nrjones/ratelimitd/internal/clock"
	"github.com/nrjones/ratelimitd/internal/rules"
)

func burstRule() rules.Rule {
	return rules.Rule{Capacity: 10, RefillRate: 1, Window: time.Minute, Enabled: true, Algorithm: rules.TokenBucket}
}

func TestConsumeAllowsBurstUpToCapacity(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	for i := 0; i < 10; i++ {
		out := s.Consume("user:1", r, 1)
		if !out.Allowed {
			t.Fatalf("request %d: expected allow, got deny", i+1)
		}
	}
	out := s.Consume("user:1", r, 1)
	if out.Allowed {
		t.Fatal("11th request in a burst of 10-capacity bucket should be denied")
	}
	if out.RetryAfterMs <= 0 {
		t.Fatalf("expected a positive retry_after_ms on denial, got %d", out.RetryAfterMs)
	}
}

func TestConsumeRefillsOverTime(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	for i := 0; i < 10; i++ {
		s.Consume("user:2", r, 1)
	}
	vc.Advance((2 * time.Second).Milliseconds())
	out := s.Consume("user:2", r, 1)
	if !out.Allowed {
		t.Fatal("expected a refill of ~2 tokens after 2s at 1 token/s to admit one more request")
	}
}

func TestResetRecreatesFullBucket(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	for i := 0; i < 10; i++ {
		s.Consume("user:3", r, 1)
	}
	if out := s.Consume("user:3", r, 1); out.Allowed {
		t.Fatal("bucket should be exhausted before reset")
	}

	s.Reset("user:3")
	out := s.Consume("user:3", r, 1)
	if !out.Allowed {
		t.Fatal("expected a fresh, full bucket immediately after Reset")
	}
}

func TestPeekDoesNotConsumeOrCreate(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	remaining, exists := s.Peek("user:4", r)
	if exists {
		t.Fatal("Peek should not report a bucket that was never created")
	}
	if remaining != int64(r.Capacity) {
		t.Fatalf("Peek on a nonexistent bucket should report full capacity, got %d", remaining)
	}

	s.Consume("user:4", r, 3)
	remaining, exists = s.Peek("user:4", r)
	if !exists {
		t.Fatal("Peek should find the bucket created by Consume")
	}
	if remaining != 7 {
		t.Fatalf("expected 7 tokens remaining after consuming 3 of 10, got %d", remaining)
	}

	// Peek again; it must not itself consume anything.
	remaining2, _ := s.Peek("user:4", r)
	if remaining2 != remaining {
		t.Fatalf("Peek must be idempotent, got %d then %d", remaining, remaining2)
	}
}

func TestRuleChangeRewritesCapacityWithoutResettingTokens(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	s.Consume("user:5", r, 4) // 6 tokens remain, capacity 10

	wider := r
	wider.Capacity = 20
	out := s.Consume("user:5", wider, 0)
	if out.Remaining != 6 {
		t.Fatalf("rule change must preserve existing tokens, got %d remaining", out.Remaining)
	}

	narrower := r
	narrower.Capacity = 5
	out = s.Consume("user:5", narrower, 0)
	if out.Remaining > 5 {
		t.Fatalf("tokens must be clamped down to the new, smaller capacity, got %d", out.Remaining)
	}
}

func TestSweepEvictsIdleFullBuckets(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	s.Consume("user:6", r, 0) // create a full bucket, 0 tokens consumed
	if s.BucketCount() != 1 {
		t.Fatalf("expected 1 live bucket, got %d", s.BucketCount())
	}

	vc.Advance((2*r.Window + time.Second).Milliseconds())
	for i := range s.shards {
		s.sweepShard(i, func(string) time.Duration { return r.Window })
	}
	if s.BucketCount() != 0 {
		t.Fatalf("expected the idle, full bucket to be evicted, got %d remaining", s.BucketCount())
	}
}

func TestSweepSparesIdleButNotFullBuckets(t *testing.T) {
	vc := clock.NewVirtual(0)
	s := New(8, vc)
	r := burstRule()

	s.Consume("user:7", r, 5) // partially drained, not full
	vc.Advance((2*r.Window + time.Second).Milliseconds())
	for i := range s.shards {
		s.sweepShard(i, func(string) time.Duration { return r.Window })
	}
	if s.BucketCount() != 1 {
		t.Fatal("a partially-drained bucket must not be evicted even when idle")
	}
}

func TestConcurrentConsumeDoesNotRaceOrLoseUpdates(t *testing.T) {
	vc := clock.NewMonotonicClock()
	s := New(8, vc)
	r := rules.Rule{Capacity: 1000, RefillRate: 0, Window: time.Minute, Enabled: true, Algorithm: rules.TokenBucket}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := s.Consume("shared-key", r, 1)
			if out.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1000 {
		t.Fatalf("expected all 1000 concurrent consumes of a 1000-capacity, zero-refill bucket to succeed exactly once each, got %d", allowed)
	}
	out := s.Consume("shared-key", r, 1)
	if out.Allowed {
		t.Fatal("bucket should be fully drained after exactly capacity consumes")
	}
}
