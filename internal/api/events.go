package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/internal/domain/scanning"
)

// keepAliveInterval is how often an SSE comment line is written to hold idle
// connections open through proxies.
const keepAliveInterval = 15 * time.Second

// sseEventName maps domain event types onto the short names observers
// subscribe to. Unmapped types fall back to the raw event type.
func sseEventName(t events.EventType) string {
	switch t {
	case scanning.EventTypeScanProgressed:
		return "progress"
	case scanning.EventTypeScanStatusChanged, scanning.EventTypeInspectionTriggered:
		return "status"
	case scanning.EventTypeCollectorStatusChanged:
		return "collector"
	case scanning.EventTypeScanCompleted:
		return "complete"
	case scanning.EventTypeScanFailed:
		return "error"
	default:
		return string(t)
	}
}

// handleScanEvents streams a run's domain events as server-sent events. The
// subscription is torn down when the client disconnects; a run reaching a
// terminal state does not close the stream since late duplicate callbacks may
// still produce collector events worth seeing.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	// Verify the run exists before committing to a stream.
	if _, _, err := s.scans.GetScan(r.Context(), scanID); err != nil {
		respondDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe, err := s.broker.Subscribe(r.Context(), scanID.String())
	if err != nil {
		s.logger.Error(r.Context(), "failed to subscribe to scan events", "error", err, "scan_id", scanID)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"scan_id\":%q}\n\n", scanID)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case evt, open := <-ch:
			if !open {
				return
			}

			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error(r.Context(), "failed to encode event", "error", err, "scan_id", scanID)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEventName(evt.EventType()), data)
			flusher.Flush()
		}
	}
}
