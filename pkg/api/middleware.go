package api

import (
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/runnerhub/runnerhub/pkg/metrics"
)

// statusWriter captures the status code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// instrument logs every request and feeds the API counters.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		timer := metrics.NewTimer()
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

		evt := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			evt = s.logger.Error()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("Request")
	})
}

// recoverer turns handler panics into 500 responses instead of
// tearing down the listener.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
