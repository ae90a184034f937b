package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nrjones/ratelimitd/internal/clock"
	"github.com/nrjones/ratelimitd/internal/diststore"
	"github.com/nrjones/ratelimitd/internal/localstore"
	"github.com/nrjones/ratelimitd/internal/rlerrors"
	"github.com/nrjones/ratelimitd/internal/rules"
)

func newTestEngine(t *testing.T, capacity uint64, refillRate float64, window time.Duration) (*Engine, *localstore.Store) {
	t.Helper()
	tbl := rules.NewTable(rules.Rule{Capacity: capacity, RefillRate: refillRate, Window: window, Enabled: true, Algorithm: rules.TokenBucket})
	vc := clock.NewVirtual(0)
	local := localstore.New(8, vc)
	return New(tbl, local), local
}

func TestColdStartSingleAdmit(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	out, err := e.Decide(context.Background(), "a", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Allowed || out.Remaining != 9 || out.Limit != 10 || out.WindowMs != 60000 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestBurstOf11thDenied(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		out, err := e.Decide(ctx, "b", 1)
		if err != nil || !out.Allowed {
			t.Fatalf("request %d: expected allow, got %+v err=%v", i+1, out, err)
		}
	}
	out, err := e.Decide(ctx, "b", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Allowed {
		t.Fatal("11th request should be denied")
	}
	if out.RetryAfterMs != 500 {
		t.Fatalf("expected retry_after_ms=500, got %d", out.RetryAfterMs)
	}
}

func TestMultiTokenConsumeOnPartialBucket(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	ctx := context.Background()
	if out, err := e.Decide(ctx, "c", 3); err != nil || !out.Allowed {
		t.Fatalf("first consume of 3 should succeed: %+v, err=%v", out, err)
	}
	out, err := e.Decide(ctx, "c", 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Allowed {
		t.Fatal("consuming 8 more of a 7-remaining bucket should be denied")
	}
	if out.RetryAfterMs != 500 {
		t.Fatalf("expected retry_after_ms=500 (1 token needed at 2/s), got %d", out.RetryAfterMs)
	}
}

func TestResetRecoversFullBucket(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		e.Decide(ctx, "d", 1)
	}
	if err := e.Reset(ctx, "d"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := e.Decide(ctx, "d", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Allowed || out.Remaining != 9 {
		t.Fatalf("expected a fresh bucket after reset, got %+v", out)
	}
}

func TestDisabledRuleBypassesAccounting(t *testing.T) {
	tbl := rules.NewTable(rules.DefaultRule())
	if err := tbl.Set("e", rules.Rule{Capacity: 10, RefillRate: 2, Window: 60 * time.Second, Enabled: false, Algorithm: rules.TokenBucket}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vc := clock.NewVirtual(0)
	local := localstore.New(8, vc)
	e := New(tbl, local)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		out, err := e.Decide(ctx, "e", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !out.Allowed || out.Remaining != 10 {
			t.Fatalf("disabled rule must always report full capacity, got %+v", out)
		}
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	_, err := e.Decide(context.Background(), "", 1)
	if !errors.Is(err, rlerrors.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for an empty key, got %v", err)
	}

	_, err = e.Decide(context.Background(), "has a space", 1)
	if !errors.Is(err, rlerrors.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for an invalid byte, got %v", err)
	}
}

func TestZeroTokenConsumeIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	ctx := context.Background()
	e.Decide(ctx, "z", 10) // drain fully
	out, err := e.Decide(ctx, "z", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Allowed {
		t.Fatal("consuming 0 tokens must always be allowed")
	}
}

// fakeDistStore lets fallback-policy tests run without a real Redis.
type fakeDistStore struct {
	err error
	out diststore.Outcome
}

func (f *fakeDistStore) Consume(ctx context.Context, key string, rule rules.Rule, tokens float64) (diststore.Outcome, error) {
	return f.out, f.err
}

func (f *fakeDistStore) Peek(ctx context.Context, key string, rule rules.Rule) (int64, bool, error) {
	return 0, false, f.err
}

func (f *fakeDistStore) Reset(ctx context.Context, key string) error {
	return f.err
}

func TestStoreDownFallbackClosedDeniesWithStoreUnavailable(t *testing.T) {
	tbl := rules.NewTable(rules.Rule{Capacity: 10, RefillRate: 2, Window: 60 * time.Second, Enabled: true, Algorithm: rules.TokenBucket})
	vc := clock.NewVirtual(0)
	local := localstore.New(8, vc)
	fake := &fakeDistStore{err: rlerrors.ErrStoreUnavailable}
	e := New(tbl, local, WithDistributedStore(fake), WithFallbackPolicy(FallbackClosed))

	_, err := e.Decide(context.Background(), "g", 1)
	if !errors.Is(err, rlerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	report := e.Probe()
	if report.StoreReachable {
		t.Fatal("expected StoreReachable=false after a failed call")
	}
}

func TestStoreDownFallbackOpenLocalDegradesGracefully(t *testing.T) {
	tbl := rules.NewTable(rules.Rule{Capacity: 10, RefillRate: 2, Window: 60 * time.Second, Enabled: true, Algorithm: rules.TokenBucket})
	vc := clock.NewVirtual(0)
	local := localstore.New(8, vc)
	fake := &fakeDistStore{err: rlerrors.ErrStoreUnavailable}
	e := New(tbl, local, WithDistributedStore(fake), WithFallbackPolicy(FallbackOpenLocal))

	out, err := e.Decide(context.Background(), "g", 1)
	if err != nil {
		t.Fatalf("unexpected error with open-local fallback: %v", err)
	}
	if !out.Allowed || !out.Degraded {
		t.Fatalf("expected a degraded, allowed outcome via local fallback, got %+v", out)
	}

	report := e.Probe()
	if !report.FallbackActive {
		t.Fatal("expected FallbackActive=true while the store is down under open-local policy")
	}
}

func TestDistributedSuccessPathDoesNotTouchLocalStore(t *testing.T) {
	tbl := rules.NewTable(rules.Rule{Capacity: 10, RefillRate: 2, Window: 60 * time.Second, Enabled: true, Algorithm: rules.TokenBucket})
	vc := clock.NewVirtual(0)
	local := localstore.New(8, vc)
	fake := &fakeDistStore{out: diststore.Outcome{Allowed: true, Remaining: 7}}
	e := New(tbl, local, WithDistributedStore(fake))

	out, err := e.Decide(context.Background(), "h", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Remaining != 7 || out.Degraded {
		t.Fatalf("expected the distributed outcome passed through untouched, got %+v", out)
	}
	if local.BucketCount() != 0 {
		t.Fatal("distributed-mode decide must not create a local bucket")
	}
}

func TestSetRuleValidatesBeforeApplying(t *testing.T) {
	e, _ := newTestEngine(t, 10, 2, 60*time.Second)
	err := e.SetRule("bad", rules.Rule{Capacity: 0, RefillRate: 2, Window: 60 * time.Second, Enabled: true, Algorithm: rules.TokenBucket})
	if !errors.Is(err, rlerrors.ErrBadConfig) {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}

func TestConcurrentDecideOnSameKeyRespectsBurstCeiling(t *testing.T) {
	tbl := rules.NewTable(rules.Rule{Capacity: 10, RefillRate: 0, Window: 60 * time.Second, Enabled: true, Algorithm: rules.TokenBucket})
	local := localstore.New(8, clock.NewMonotonicClock())
	e := New(tbl, local)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := e.Decide(context.Background(), "concurrent", 1)
			if out.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Fatalf("expected exactly 10 admissions (zero refill, capacity 10), got %d", allowed)
	}
}
