package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/types"
)

const maxRequestBody = 1 << 20

// envelope is the uniform response shape for /api/v1.
type envelope struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data,omitempty"`
	Error    *apiError `json:"error,omitempty"`
	Metadata apiMeta   `json:"metadata"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{
		Success:  true,
		Data:     data,
		Metadata: apiMeta{Timestamp: time.Now().UTC(), Version: metrics.Version()},
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success:  false,
		Error:    &apiError{Code: code, Message: message},
		Metadata: apiMeta{Timestamp: time.Now().UTC(), Version: metrics.Version()},
	})
}

// writeFault maps the error taxonomy onto HTTP statuses. Messages of
// server-side faults are not echoed to the client.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	switch kind {
	case types.KindValidation:
		s.writeError(w, http.StatusBadRequest, string(kind), err.Error())
	case types.KindUnauthorized:
		s.writeError(w, http.StatusUnauthorized, string(kind), err.Error())
	case types.KindNotFound:
		s.writeError(w, http.StatusNotFound, string(kind), err.Error())
	case types.KindConflict:
		s.writeError(w, http.StatusConflict, string(kind), err.Error())
	case types.KindState:
		s.writeError(w, http.StatusUnprocessableEntity, string(kind), err.Error())
	case types.KindRateLimited:
		if after := types.RetryAfterOf(err); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(after.Seconds())))
		}
		s.writeError(w, http.StatusTooManyRequests, string(kind), err.Error())
	case types.KindTransient, types.KindUnavailable:
		s.logger.Warn().Err(err).Msg("Request hit unavailable dependency")
		s.writeError(w, http.StatusServiceUnavailable, string(kind), "temporarily unavailable")
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a bounded request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return types.Validationf("unreadable body: %v", err)
	}
	if len(body) == 0 {
		return types.Validationf("empty body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return types.Validationf("malformed body: %v", err)
	}
	return nil
}

// repoParam reassembles the owner/name route segments.
func repoParam(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

// intQuery parses an integer query parameter with a fallback.
func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
