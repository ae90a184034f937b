package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nrjones/ratelimitd/internal/rlerrors"
	"github.com/nrjones/ratelimitd/internal/rules"
)

type checkRequest struct {
	Key    string  `json:"key"`
	Tokens float64 `json:"tokens"`
	// Strategy, if set, derives Key from the request's headers and path
	// via internal/keygen instead of trusting the literal Key field —
	// "ip", "api_key", "user_id", or "composite".
	Strategy string `json:"strategy,omitempty"`
}

type checkResponse struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        uint64 `json:"limit"`
	WindowMs     int64  `json:"window_ms"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

// handleCheck implements POST /v1/check → AdmissionEngine.decide. A
// denial is an outcome, not an engine error: it is answered with 429
// Too Many Requests, a Retry-After header in whole seconds (truncated)
// and the rate_limit_exceeded JSON body.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Tokens == 0 {
		req.Tokens = 1
	}

	key := req.Key
	if req.Strategy != "" {
		derived, err := deriveKey(r, req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		key = derived
	}

	out, err := s.engine.Decide(r.Context(), key, req.Tokens)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatUint(out.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(out.Remaining, 10))
	w.Header().Set("X-RateLimit-Window", strconv.FormatInt(out.WindowMs, 10))

	if !out.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(out.RetryAfterMs/1000, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "rate_limit_exceeded",
			"message":             "request denied by rate limiter",
			"retry_after_seconds": out.RetryAfterMs / 1000,
			"limit":               out.Limit,
			"window_ms":           out.WindowMs,
		})
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Allowed:      out.Allowed,
		Remaining:    out.Remaining,
		Limit:        out.Limit,
		WindowMs:     out.WindowMs,
		RetryAfterMs: out.RetryAfterMs,
		Degraded:     out.Degraded,
	})
}

// handlePeek implements GET /v1/peek?key=... → AdmissionEngine.peek.
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	out, err := s.engine.Peek(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"remaining": out.Remaining,
		"limit":     out.Limit,
	})
}

type resetRequest struct {
	Key string `json:"key"`
}

// handleReset implements POST /v1/reset → AdmissionEngine.reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.engine.Reset(r.Context(), req.Key); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetRule implements PUT /v1/rules/{key} → AdmissionEngine.SetRule.
func (s *Server) handleSetRule(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	rule = rule.WithDefaultsApplied()
	if err := s.engine.SetRule(key, rule); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule implements DELETE /v1/rules/{key}.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rule, ok := s.engine.DeleteRule(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no explicit rule set for key")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleListRules implements GET /v1/rules → AdmissionEngine.ListRules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListRules())
}

// handleStats exposes AdmissionEngine.Stats(), supplementing the core
// spec with the original implementation's get_stats (SPEC_FULL.md §4).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rlerrors.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
	case errors.Is(err, rlerrors.ErrBadConfig):
		writeError(w, http.StatusBadRequest, "bad_config", err.Error())
	case errors.Is(err, rlerrors.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
