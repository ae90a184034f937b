package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// excludedFromLogging mirrors the teacher's RequestLoggerPlugin's
// ExcludedPaths default: health/readiness probes are noisy and
// uninteresting at info level.
var excludedFromLogging = map[string]bool{
	"/health": true,
	"/ready":  true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs method/path/status/duration for every request,
// adapted from the teacher's RequestLoggerPlugin without the
// plugin-chain abstraction it doesn't need here.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if excludedFromLogging[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		requestID := fmt.Sprintf("req_%d", time.Now().UnixNano())
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		event := log.Info()
		switch {
		case rec.status >= 500:
			event = log.Error()
		case rec.status >= 400:
			event = log.Warn()
		}
		event.
			Str("component", "httpapi").
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", rec.status).
			Int64("duration_ms", duration.Milliseconds()).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}
