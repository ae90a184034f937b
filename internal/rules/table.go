package rules

import "sync"

// Table is the in-memory mapping from key to Rule described in
// spec.md §4.3. Reads take a shared lock; writes take an exclusive
// lock; Get never fails and always returns some rule (the process-wide
// default when no explicit entry exists). Key matching is exact —
// prefix/glob matching is deliberately not part of the core; a
// collaborator (internal/keygen) composes a canonical key before
// calling into the table.
type Table struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	dflt    Rule
	onWrite func(key string, rule *Rule) // nil rule => deleted
}

// NewTable creates an empty Table that falls back to dflt for any key
// with no explicit rule.
func NewTable(dflt Rule) *Table {
	return &Table{
		rules: make(map[string]Rule),
		dflt:  dflt,
	}
}

// OnWrite registers a hook invoked after every successful Set/Delete,
// used by cmd/ratelimitd to persist the change and fan it out over
// Redis pub/sub for cross-replica hot reload (see
// internal/diststore.RuleWatcher). Passing nil clears the hook.
func (t *Table) OnWrite(fn func(key string, rule *Rule)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = fn
}

// Get always returns a rule: the key's explicit rule if one exists,
// otherwise the table's default.
func (t *Table) Get(key string) Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rules[key]; ok {
		return r
	}
	return t.dflt
}

// Lookup is like Get but also reports whether key had an explicit
// entry, distinguishing "uses the default" from "was configured to
// equal the default".
func (t *Table) Lookup(key string) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rules[key]
	return r, ok
}

// Set atomically replaces the rule for key after validating it. A rule
// change never retroactively mutates an existing bucket — per spec.md
// §9's resolved Open Question, the new capacity/refill-rate only take
// effect on the key's next atomic consume.
func (t *Table) Set(key string, r Rule) error {
	r = r.WithDefaultsApplied()
	if err := r.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.rules[key] = r
	hook := t.onWrite
	t.mu.Unlock()
	if hook != nil {
		hook(key, &r)
	}
	return nil
}

// SetDefault atomically replaces the fallback rule used by Get for
// keys with no explicit entry.
func (t *Table) SetDefault(r Rule) error {
	r = r.WithDefaultsApplied()
	if err := r.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.dflt = r
	t.mu.Unlock()
	return nil
}

// SetLocal is like Set but never invokes the OnWrite hook. RuleWatcher
// uses this to apply a rule change received from another replica, so a
// replica re-broadcasting everything it merely echoes never happens —
// only writes that originate from this process's own API fan out.
func (t *Table) SetLocal(key string, r Rule) error {
	r = r.WithDefaultsApplied()
	if err := r.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.rules[key] = r
	t.mu.Unlock()
	return nil
}

// DeleteLocal is like Delete but never invokes the OnWrite hook.
func (t *Table) DeleteLocal(key string) {
	t.mu.Lock()
	delete(t.rules, key)
	t.mu.Unlock()
}

// SetDefaultLocal is like SetDefault but never invokes the OnWrite hook.
func (t *Table) SetDefaultLocal(r Rule) error {
	r = r.WithDefaultsApplied()
	if err := r.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.dflt = r
	t.mu.Unlock()
	return nil
}

// Delete removes key's explicit rule, if any, and reports it. Keys
// without an explicit entry return (_, false); Get will keep returning
// the default for them.
func (t *Table) Delete(key string) (Rule, bool) {
	t.mu.Lock()
	r, ok := t.rules[key]
	if ok {
		delete(t.rules, key)
	}
	hook := t.onWrite
	t.mu.Unlock()
	if ok && hook != nil {
		hook(key, nil)
	}
	return r, ok
}

// All returns a snapshot copy of every explicit rule, safe to range
// over without holding the table's lock.
func (t *Table) All() map[string]Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Rule, len(t.rules))
	for k, v := range t.rules {
		out[k] = v
	}
	return out
}

// Default returns the current fallback rule.
func (t *Table) Default() Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dflt
}
