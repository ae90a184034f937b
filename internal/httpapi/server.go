// Package httpapi is the thin HTTP front-end over AdmissionEngine: a
// single net/http.ServeMux, not the teacher's plugin-chain/proxy
// machinery (that belongs to a reverse-proxy product, not a rate
// limiter).
package httpapi

import (
	"net/http"

	"github.com/nrjones/ratelimitd/internal/engine"
	"github.com/nrjones/ratelimitd/internal/health"
)

// Server wires AdmissionEngine and the health probe into an
// http.Handler.
type Server struct {
	engine *engine.Engine
	health *health.Handler
	mux    *http.ServeMux
}

// NewServer builds the HTTP surface described in SPEC_FULL.md §5.
func NewServer(eng *engine.Engine, healthHandler *health.Handler) *Server {
	s := &Server{engine: eng, health: healthHandler, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/check", s.handleCheck)
	s.mux.HandleFunc("GET /v1/peek", s.handlePeek)
	s.mux.HandleFunc("POST /v1/reset", s.handleReset)
	s.mux.HandleFunc("PUT /v1/rules/{key}", s.handleSetRule)
	s.mux.HandleFunc("DELETE /v1/rules/{key}", s.handleDeleteRule)
	s.mux.HandleFunc("GET /v1/rules", s.handleListRules)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.health.Health)
	s.mux.HandleFunc("GET /ready", s.health.Ready)
}

// Handler returns the fully wired http.Handler, request-logging
// middleware applied.
func (s *Server) Handler() http.Handler {
	return requestLogger(s.mux)
}
