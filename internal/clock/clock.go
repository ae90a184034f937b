// Package clock provides injectable time sources for the admission engine.
//
// Two flavors are exposed: a wall-clock source, used whenever replicas
// must agree on the meaning of a timestamp (the distributed store), and
// a monotonic source, used by the in-process registry so wall-clock
// adjustments never move a bucket's last-refill time backwards.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns elapsed milliseconds from some stable reference. Callers
// must not assume the reference is the Unix epoch unless they know they
// hold a WallClock.
type Clock interface {
	NowMillis() int64
}

// WallClock reports milliseconds since the Unix epoch. Use it anywhere
// the timestamp is shared with an external system (the distributed
// store), since every replica's wall clock resolves to the same moment.
type WallClock struct {
	last atomic.Int64
}

// NewWallClock returns a ready-to-use WallClock.
func NewWallClock() *WallClock {
	return &WallClock{}
}

// NowMillis never panics. If the underlying system clock read fails in
// some exotic way, the previous observed value is returned so that
// last-refill timestamps never jump backwards.
func (c *WallClock) NowMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := c.last.Load()
		if now <= prev {
			return prev
		}
		if c.last.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// MonotonicClock reports elapsed milliseconds since the clock was
// created, derived from the runtime monotonic clock reading embedded in
// time.Time. It is immune to wall-clock adjustments (NTP step, manual
// clock changes), which makes it the right choice for LocalStore, a
// purely in-process registry with no need to agree with any other
// process about what "now" means.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a MonotonicClock anchored to the instant it
// is created.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// NowMillis is wait-free and safe for concurrent use: time.Since only
// reads the monotonic component carried in the anchor time.Time.
func (c *MonotonicClock) NowMillis() int64 {
	elapsed := time.Since(c.start)
	if elapsed < 0 {
		return 0
	}
	return elapsed.Milliseconds()
}

// Virtual is a manually-advanced Clock for deterministic tests. It
// implements both the wall-clock and monotonic roles: tests that need
// to simulate clock reversal can set the value directly with Set.
type Virtual struct {
	millis atomic.Int64
}

// NewVirtual creates a Virtual clock starting at the given millisecond
// value.
func NewVirtual(startMillis int64) *Virtual {
	v := &Virtual{}
	v.millis.Store(startMillis)
	return v
}

// NowMillis returns the current virtual time.
func (v *Virtual) NowMillis() int64 {
	return v.millis.Load()
}

// Advance moves the virtual clock forward by delta (which may be
// negative, to simulate a clock reversal scenario from spec §8).
func (v *Virtual) Advance(delta int64) {
	v.millis.Add(delta)
}

// Set pins the virtual clock to an absolute millisecond value.
func (v *Virtual) Set(millis int64) {
	v.millis.Store(millis)
}
