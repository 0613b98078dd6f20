package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dbsweep/dbsweep/internal/domain/scanning"
)

// CallbackTokenHeader carries the shared secret collectors present on
// callback requests.
const CallbackTokenHeader = "X-Dbsweep-Callback-Token"

// progressCallbackRequest is the payload collectors POST while working.
// Sequence numbers are per (scan, collector), start at zero, and must
// increase for an update to be accepted; redelivered and reordered updates
// are acknowledged but change nothing.
type progressCallbackRequest struct {
	Collector      string `json:"collector" validate:"required"`
	Sequence       int64  `json:"sequence" validate:"min=0"`
	Progress       int    `json:"progress" validate:"min=0,max=100"`
	DiscoveryCount int    `json:"discovery_count" validate:"min=0"`
	Phase          string `json:"phase,omitempty"`
	Message        string `json:"message,omitempty"`
}

// completeCallbackRequest is the payload collectors POST exactly once when
// they finish. In practice delivery is at-least-once; the first write wins.
type completeCallbackRequest struct {
	Collector      string `json:"collector" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=completed failed timeout"`
	DiscoveryCount int    `json:"discovery_count" validate:"min=0"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// callbackResponse acknowledges a state-changing callback. Stale progress
// updates are acknowledged with a bare 204 instead so collectors stop
// retrying them.
type callbackResponse struct {
	Accepted bool `json:"accepted"`
}

// callbackAuth gates the callback ingress with a constant-time token check
// so response timing leaks nothing about the expected value. An empty
// configured token disables the check; config validation only permits that
// outside production.
func (s *Server) callbackAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CallbackToken != "" {
			token := r.Header.Get(CallbackTokenHeader)
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CallbackToken)) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid callback token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleProgressCallback(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	var req progressCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.callbackLimiter.Allow(req.Collector) {
		respondError(w, http.StatusTooManyRequests, "callback rate limit exceeded")
		return
	}

	progress := scanning.NewProgress(
		scanID, req.Collector, req.Sequence, req.Progress, req.DiscoveryCount,
		scanning.ParseScanPhase(req.Phase), req.Message, time.Now().UTC(),
	)

	accepted, err := s.tracker.AcceptProgress(r.Context(), progress)
	if err != nil {
		s.logger.Error(r.Context(), "failed to process progress callback",
			"error", err, "scan_id", scanID, "collector", req.Collector)
		respondDomainError(w, err)
		return
	}
	if !accepted {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respond(w, http.StatusOK, callbackResponse{Accepted: true})
}

func (s *Server) handleCompleteCallback(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	var req completeCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.callbackLimiter.Allow(req.Collector) {
		respondError(w, http.StatusTooManyRequests, "callback rate limit exceeded")
		return
	}

	status := scanning.ParseCollectorStatus(req.Status)
	if !status.IsTerminal() {
		respondError(w, http.StatusBadRequest, "completion status must be terminal")
		return
	}

	accepted, err := s.tracker.AcceptCompletion(
		r.Context(), scanID, req.Collector, status, req.DiscoveryCount, req.ErrorMessage)
	if err != nil {
		if errors.Is(err, scanning.ErrScanNotFound) || errors.Is(err, scanning.ErrCollectorNotFound) {
			respondDomainError(w, err)
			return
		}
		s.logger.Error(r.Context(), "failed to process completion callback",
			"error", err, "scan_id", scanID, "collector", req.Collector)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respond(w, http.StatusOK, callbackResponse{Accepted: accepted})
}
