// Package engine implements the admission decision pipeline: spec.md
// §4.6. AdmissionEngine is the orchestrator every external collaborator
// (the HTTP surface, the CLI) calls into; it owns no transport and no
// configuration loading of its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/audit"
	"github.com/nrjones/ratelimitd/internal/diststore"
	"github.com/nrjones/ratelimitd/internal/localstore"
	"github.com/nrjones/ratelimitd/internal/rlerrors"
	"github.com/nrjones/ratelimitd/internal/rules"
)

// FallbackPolicy governs what happens to an admission when the
// distributed store is unreachable, per spec.md §4.5/§7.
type FallbackPolicy string

const (
	// FallbackClosed denies the request with StoreUnavailable.
	FallbackClosed FallbackPolicy = "closed"
	// FallbackOpenLocal delegates to LocalStore and tags the outcome
	// Degraded.
	FallbackOpenLocal FallbackPolicy = "open-local"
)

// DefaultStoreDeadline bounds every distributed store call, per
// spec.md §5.
const DefaultStoreDeadline = 200 * time.Millisecond

// distributedStore is the slice of diststore.Store's behavior the
// engine depends on. Accepting this narrow interface instead of the
// concrete type lets tests exercise the fallback policy without a real
// Redis instance.
type distributedStore interface {
	Consume(ctx context.Context, key string, rule rules.Rule, tokens float64) (diststore.Outcome, error)
	Peek(ctx context.Context, key string, rule rules.Rule) (remaining int64, exists bool, err error)
	Reset(ctx context.Context, key string) error
}

// Engine is the admission decision pipeline. It is safe for concurrent
// use.
type Engine struct {
	rules    *rules.Table
	local    *localstore.Store
	dist     distributedStore
	fallback FallbackPolicy
	deadline time.Duration
	auditor  *audit.Producer

	healthMu       sync.RWMutex
	storeReachable bool
	lastError      string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithDistributedStore wires a DistributedStore; absent it, every
// admission uses LocalStore exclusively (spec.md §4.6 step 3).
func WithDistributedStore(d distributedStore) Option {
	return func(e *Engine) { e.dist = d }
}

// WithFallbackPolicy sets the policy applied when the distributed
// store is unreachable. Defaults to FallbackClosed, the strict
// default named in spec.md §4.5.
func WithFallbackPolicy(p FallbackPolicy) Option {
	return func(e *Engine) { e.fallback = p }
}

// WithStoreDeadline overrides DefaultStoreDeadline.
func WithStoreDeadline(d time.Duration) Option {
	return func(e *Engine) { e.deadline = d }
}

// WithAuditor wires an async audit producer. A nil producer (audit
// disabled) is accepted and Publish on it is already a safe no-op.
func WithAuditor(p *audit.Producer) Option {
	return func(e *Engine) { e.auditor = p }
}

// New constructs an Engine backed by table and local, applying opts.
func New(table *rules.Table, local *localstore.Store, opts ...Option) *Engine {
	e := &Engine{
		rules:          table,
		local:          local,
		fallback:       FallbackClosed,
		deadline:       DefaultStoreDeadline,
		storeReachable: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.local != nil {
		e.local.StartEvictionSweeper(func(key string) time.Duration {
			return e.rules.Get(key).Window
		})
	}
	return e
}

// Decide is the AdmissionEngine's core contract: spec.md §4.6.
func (e *Engine) Decide(ctx context.Context, key string, tokens float64) (AdmissionOutcome, error) {
	if err := validateKey(key); err != nil {
		return AdmissionOutcome{}, err
	}

	rule := e.rules.Get(key)
	if !rule.Enabled {
		out := AdmissionOutcome{
			Allowed:   true,
			Remaining: int64(rule.Capacity),
			Limit:     rule.Capacity,
			WindowMs:  rule.Window.Milliseconds(),
		}
		e.audit(key, out)
		return out, nil
	}

	if tokens < 0 {
		return AdmissionOutcome{}, fmt.Errorf("%w: tokens must be non-negative", rlerrors.ErrBadConfig)
	}

	var out AdmissionOutcome
	var err error
	if e.dist != nil {
		out, err = e.decideDistributed(ctx, key, rule, tokens)
	} else {
		out, err = e.decideLocal(key, rule, tokens)
	}
	if err != nil {
		return AdmissionOutcome{}, err
	}

	e.audit(key, out)
	return out, nil
}

func (e *Engine) decideLocal(key string, rule rules.Rule, tokens float64) (AdmissionOutcome, error) {
	res := e.local.Consume(key, rule, tokens)
	return AdmissionOutcome{
		Allowed:      res.Allowed,
		Remaining:    res.Remaining,
		Limit:        rule.Capacity,
		WindowMs:     rule.Window.Milliseconds(),
		RetryAfterMs: res.RetryAfterMs,
	}, nil
}

func (e *Engine) decideDistributed(ctx context.Context, key string, rule rules.Rule, tokens float64) (AdmissionOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	res, err := e.dist.Consume(callCtx, key, rule, tokens)
	if err == nil {
		e.recordSuccess()
		return AdmissionOutcome{
			Allowed:      res.Allowed,
			Remaining:    res.Remaining,
			Limit:        rule.Capacity,
			WindowMs:     rule.Window.Milliseconds(),
			RetryAfterMs: res.RetryAfterMs,
		}, nil
	}

	e.recordFailure(err)
	if !errors.Is(err, rlerrors.ErrStoreUnavailable) {
		return AdmissionOutcome{}, err
	}

	switch e.fallback {
	case FallbackOpenLocal:
		log.Warn().Err(err).Str("component", "engine").Str("key", key).Msg("distributed store unavailable; falling back to local store")
		out, localErr := e.decideLocal(key, rule, tokens)
		if localErr != nil {
			return AdmissionOutcome{}, localErr
		}
		out.Degraded = true
		return out, nil
	default:
		return AdmissionOutcome{}, err
	}
}

// Peek reports a key's current state without consuming any tokens,
// per spec.md §6's `peek(key) → { remaining, limit }`.
func (e *Engine) Peek(ctx context.Context, key string) (AdmissionOutcome, error) {
	if err := validateKey(key); err != nil {
		return AdmissionOutcome{}, err
	}
	rule := e.rules.Get(key)

	if e.dist != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.deadline)
		defer cancel()
		remaining, _, err := e.dist.Peek(callCtx, key, rule)
		if err != nil {
			e.recordFailure(err)
			if e.fallback != FallbackOpenLocal {
				return AdmissionOutcome{}, err
			}
		} else {
			e.recordSuccess()
			return AdmissionOutcome{Allowed: true, Remaining: remaining, Limit: rule.Capacity, WindowMs: rule.Window.Milliseconds()}, nil
		}
	}

	remaining, _ := e.local.Peek(key, rule)
	return AdmissionOutcome{Allowed: true, Remaining: remaining, Limit: rule.Capacity, WindowMs: rule.Window.Milliseconds()}, nil
}

// Reset clears a key's bucket state, per spec.md §6.
func (e *Engine) Reset(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if e.dist != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.deadline)
		defer cancel()
		if err := e.dist.Reset(callCtx, key); err != nil {
			e.recordFailure(err)
			if e.fallback != FallbackOpenLocal {
				return err
			}
		} else {
			e.recordSuccess()
		}
	}

	e.local.Reset(key)
	return nil
}

// SetRule validates and installs a rule for key.
func (e *Engine) SetRule(key string, rule rules.Rule) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return e.rules.Set(key, rule)
}

// DeleteRule removes key's explicit rule, reverting it to the default.
func (e *Engine) DeleteRule(key string) (rules.Rule, bool) {
	return e.rules.Delete(key)
}

// ListRules returns a snapshot of every explicitly configured rule.
func (e *Engine) ListRules() map[string]rules.Rule {
	return e.rules.All()
}

// Stats reports operational counters not named directly in spec.md's
// core contract but present in the original implementation's
// get_stats, supplemented here for observability.
func (e *Engine) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"rule_count":       len(e.rules.All()),
		"distributed_mode": e.dist != nil,
		"fallback_policy":  string(e.fallback),
	}
	if e.local != nil {
		stats["local_bucket_count"] = e.local.BucketCount()
	}
	return stats
}

// Probe implements HealthHook: spec.md §4.7.
func (e *Engine) Probe() HealthReport {
	e.healthMu.RLock()
	defer e.healthMu.RUnlock()

	if e.dist == nil {
		return HealthReport{StoreReachable: true, FallbackActive: false}
	}
	return HealthReport{
		StoreReachable: e.storeReachable,
		FallbackActive: !e.storeReachable && e.fallback == FallbackOpenLocal,
		LastError:      e.lastError,
	}
}

func (e *Engine) recordSuccess() {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	e.storeReachable = true
	e.lastError = ""
}

func (e *Engine) recordFailure(err error) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	e.storeReachable = false
	e.lastError = err.Error()
}

func (e *Engine) audit(key string, out AdmissionOutcome) {
	if e.auditor == nil {
		return
	}
	e.auditor.Publish(audit.Event{
		Key:          key,
		Allowed:      out.Allowed,
		Remaining:    out.Remaining,
		Limit:        out.Limit,
		RetryAfterMs: out.RetryAfterMs,
		Degraded:     out.Degraded,
		DecidedAtMs:  time.Now().UnixMilli(),
	})
}
