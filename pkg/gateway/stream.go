package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleSessionEvents drains a session's event stream as server-sent
// events. The gateway is the single consumer of each sink; websocket
// clients receive fan-out copies through the broadcaster.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ch, ok := s.manager.Events(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				// Session finished; the stream is complete.
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error().Err(err).Str("session", id).Msg("Failed to marshal event")
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

			s.broadcaster.Broadcast(ev)

		case <-r.Context().Done():
			return
		}
	}
}
