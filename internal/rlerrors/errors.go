// Package rlerrors defines the error-kind taxonomy from spec.md §7. It
// is a leaf package (no internal imports) so that every layer — rules,
// localstore, diststore, engine, httpapi — can classify and wrap errors
// with errors.Is/errors.As without creating import cycles.
package rlerrors

import "errors"

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", ...) to
// add context while keeping errors.Is(err, rlerrors.ErrInvalidKey) etc.
// working for callers up the stack (the HTTP layer maps these to
// status codes; see httpapi).
var (
	// ErrInvalidKey: the key fails the grammar of spec.md §6. 400-class,
	// never retried.
	ErrInvalidKey = errors.New("invalid key")

	// ErrBadConfig: a rule or store configuration violates the
	// invariants of spec.md §3. 400-class, not retried.
	ErrBadConfig = errors.New("bad config")

	// ErrStoreUnavailable: the shared store failed (timeout, connection,
	// protocol). Subject to the configured fallback policy.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInternal: an unexpected arithmetic or invariant failure.
	// 500-class, fatal to the request, never to the process.
	ErrInternal = errors.New("internal error")
)
