package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleSSE streams engine events to the client as Server-Sent Events.
// Optional ?session= filters to one session; ?type= (repeatable) filters
// event types.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	ctx := r.Context()
	sessionFilter := r.URL.Query().Get("session")
	types := r.URL.Query()["type"]

	eventCh := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(eventCh)

	s.log.Info("SSE client connected", "remote_addr", r.RemoteAddr, "session_filter", sessionFilter)

	s.sendSSEEvent(w, flusher, "connected", map[string]string{"status": "connected"})

	for {
		select {
		case <-ctx.Done():
			s.log.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return

		case event, ok := <-eventCh:
			if !ok {
				s.log.Info("event bus closed, ending SSE stream")
				return
			}
			if sessionFilter != "" && event.SessionID() != sessionFilter {
				continue
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)
		}
	}
}

// sendSSEEvent writes one event in SSE wire format: event: type\ndata: json\n\n.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.log.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
