// Package rules holds the RateLimitRule type, its validation, the
// in-memory RuleTable, and a Postgres-backed persistence layer for the
// rule-management API.
package rules

import (
	"fmt"
	"time"

	"github.com/nrjones/ratelimitd/internal/rlerrors"
)

// Algorithm selects which store-side script governs admission for a
// rule. TokenBucket is the default and the one the core spec describes
// in full; SlidingWindow is an alternate algorithm that plugs into the
// same AdmissionOutcome shape.
type Algorithm string

const (
	TokenBucket   Algorithm = "token-bucket"
	SlidingWindow Algorithm = "sliding-window"
)

// Rule is the configured parameters governing one key, or the
// process-wide default. Capacity and RefillRate drive the token-bucket
// math; Window is informational (and also drives TTL / eviction
// horizon); Enabled toggles accounting without affecting validation.
type Rule struct {
	Capacity   uint64        `json:"capacity"`
	RefillRate float64       `json:"refill_rate"`
	Window     time.Duration `json:"window"`
	Enabled    bool          `json:"enabled"`
	Algorithm  Algorithm     `json:"algorithm"`
}

// DefaultRule is used by RuleTable.Get when no explicit rule has been
// set for a key.
func DefaultRule() Rule {
	return Rule{
		Capacity:   100,
		RefillRate: 10,
		Window:     time.Minute,
		Enabled:    true,
		Algorithm:  TokenBucket,
	}
}

// Validate enforces the invariants of spec.md §3. A rule that fails
// these checks is rejected with BadConfig by the caller (RuleTable.Set,
// or the rule-management HTTP handlers) before it can ever reach a
// bucket.
func (r Rule) Validate() error {
	if r.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1, got %d", rlerrors.ErrBadConfig, r.Capacity)
	}
	if r.RefillRate <= 0 {
		return fmt.Errorf("%w: refill_rate must be > 0, got %v", rlerrors.ErrBadConfig, r.RefillRate)
	}
	if r.Window < time.Second {
		return fmt.Errorf("%w: window must be >= 1s, got %v", rlerrors.ErrBadConfig, r.Window)
	}
	// Sanity ceiling: reject a per-second refill rate more than twice the
	// bucket's capacity — almost always a config typo (e.g. refill_rate
	// given per-window instead of per-second). This is bounded against
	// Capacity directly rather than against RefillRate x Window, since a
	// long window (an hourly quota refilling once a second, say) would
	// otherwise make that product reject perfectly sane rules.
	if r.RefillRate > 2*float64(r.Capacity) {
		return fmt.Errorf("%w: refill_rate (%.2f) exceeds 2x capacity (%d)",
			rlerrors.ErrBadConfig, r.RefillRate, 2*r.Capacity)
	}
	switch r.Algorithm {
	case TokenBucket, SlidingWindow, "":
	default:
		return fmt.Errorf("%w: unknown algorithm %q", rlerrors.ErrBadConfig, r.Algorithm)
	}
	return nil
}

// WithDefaultsApplied fills in Algorithm when the caller left it blank,
// without mutating the receiver.
func (r Rule) WithDefaultsApplied() Rule {
	if r.Algorithm == "" {
		r.Algorithm = TokenBucket
	}
	return r
}
