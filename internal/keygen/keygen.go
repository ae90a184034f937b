// Package keygen derives the canonical rate-limit key for an inbound
// request, before that key ever reaches the grammar validation and
// admission pipeline in spec.md §4.2/§4.3.
//
// Grounded on the key-generation strategies in the original
// implementation (IP, API key, user ID, and composite strategies);
// reworked here as a small Strategy interface instead of a closed enum
// so httpapi can compose or extend strategies without a central
// switch statement.
package keygen

import (
	"fmt"
	"strings"

	"github.com/nrjones/ratelimitd/internal/rlerrors"
)

// Strategy derives a rate-limit key from an inbound request's
// identifying attributes. Implementations do not reject keys on grammar
// grounds; they run their output through Sanitize, and AdmissionEngine
// validates the result.
type Strategy interface {
	Key(req Request) (string, error)
}

// Request carries the subset of an inbound request a Strategy needs.
// httpapi builds one of these per request; it is deliberately narrower
// than an *http.Request so strategies stay trivially testable.
type Request struct {
	Headers  map[string]string
	ClientIP string
	Path     string
}

// Header looks up a header case-insensitively, the way net/http's
// Header.Get does, since callers may populate Headers directly from a
// map with arbitrary casing.
func (r Request) Header(name string) (string, bool) {
	name = strings.ToLower(name)
	for k, v := range r.Headers {
		if strings.ToLower(k) == name {
			return v, true
		}
	}
	return "", false
}

// IPStrategy keys on the client's IP address plus request path.
type IPStrategy struct{}

func (IPStrategy) Key(req Request) (string, error) {
	return Sanitize(fmt.Sprintf("throttle.ip.%s.%s", req.ClientIP, req.Path)), nil
}

// APIKeyStrategy keys on the caller-supplied API key, read from
// X-Api-Key or, failing that, Authorization.
type APIKeyStrategy struct{}

func (APIKeyStrategy) Key(req Request) (string, error) {
	apiKey, ok := req.Header("x-api-key")
	if !ok {
		apiKey, ok = req.Header("authorization")
	}
	if !ok {
		return "", fmt.Errorf("%w: no x-api-key or authorization header present", rlerrors.ErrInvalidKey)
	}
	return Sanitize(fmt.Sprintf("throttle.api.%s.%s", apiKey, req.Path)), nil
}

// UserIDStrategy keys on the caller-supplied user ID, read from
// X-User-Id (set by an upstream auth layer, never trusted directly
// from an anonymous client).
type UserIDStrategy struct{}

func (UserIDStrategy) Key(req Request) (string, error) {
	userID, ok := req.Header("x-user-id")
	if !ok {
		return "", fmt.Errorf("%w: no x-user-id header present", rlerrors.ErrInvalidKey)
	}
	return Sanitize(fmt.Sprintf("throttle.user.%s.%s", userID, req.Path)), nil
}

// CompositeStrategy concatenates the identifying fragments of each of
// its parts, e.g. user-id + IP, which gives every (user, address) pair
// its own bucket. Parts must not themselves be a CompositeStrategy.
type CompositeStrategy struct {
	Parts []Strategy
}

func (c CompositeStrategy) Key(req Request) (string, error) {
	if len(c.Parts) == 0 {
		return "", fmt.Errorf("%w: composite strategy has no parts", rlerrors.ErrBadConfig)
	}
	parts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if _, nested := p.(CompositeStrategy); nested {
			return "", fmt.Errorf("%w: nested composite strategies are not supported", rlerrors.ErrBadConfig)
		}
		part, err := componentOf(p, req)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return Sanitize(fmt.Sprintf("throttle.composite.%s.%s", strings.Join(parts, "."), req.Path)), nil
}

// componentOf extracts just the identifying fragment a sub-strategy
// would embed in its own key, without its "throttle.<kind>." prefix or
// trailing path, so composing strategies doesn't nest those prefixes.
func componentOf(s Strategy, req Request) (string, error) {
	switch s.(type) {
	case IPStrategy:
		return req.ClientIP, nil
	case APIKeyStrategy:
		apiKey, ok := req.Header("x-api-key")
		if !ok {
			apiKey, ok = req.Header("authorization")
		}
		if !ok {
			return "", fmt.Errorf("%w: no x-api-key or authorization header present", rlerrors.ErrInvalidKey)
		}
		return apiKey, nil
	case UserIDStrategy:
		userID, ok := req.Header("x-user-id")
		if !ok {
			return "", fmt.Errorf("%w: no x-user-id header present", rlerrors.ErrInvalidKey)
		}
		return userID, nil
	default:
		full, err := s.Key(req)
		return full, err
	}
}

// ExtractClientIP picks the best client IP out of the usual proxy
// headers, preferring the first hop recorded in X-Forwarded-For.
func ExtractClientIP(headers map[string]string) string {
	req := Request{Headers: headers}
	if xff, ok := req.Header("x-forwarded-for"); ok {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if ip, ok := req.Header("x-real-ip"); ok {
		return ip
	}
	if ip, ok := req.Header("cf-connecting-ip"); ok {
		return ip
	}
	return "unknown"
}

// Sanitize rewrites key so every byte conforms to the admission
// grammar (letters, digits, '.', '_', '-'), replacing anything else —
// colons, slashes, whitespace, control characters — with an
// underscore. Every Strategy runs its output through Sanitize before
// returning, so a key derived from an untrusted header or path can
// never fail grammar validation downstream.
func Sanitize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, c := range key {
		if isAlnum(c) || c == '.' || c == '-' || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
