package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/rulesymbiosis/internal/bus"
)

// streamSSEEvent is a single SSE event sent to the client.
type streamSSEEvent struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Payload any    `json:"payload"`
}

// handleEventStream implements GET /v1/events/stream?run_id=XXX. It streams
// evolution events for the run and closes after the run finishes. Without
// run_id every evolution event is streamed until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	runID := r.URL.Query().Get("run_id")

	sub := s.cfg.Bus.Subscribe(bus.TopicEvolution)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "run_id", runID)
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			sseEvent, done := sseFor(event, runID)
			if sseEvent == nil {
				continue
			}
			data, err := json.Marshal(sseEvent)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEvent.Type, data); err != nil {
				s.logger.Debug("sse: write failed", "run_id", runID, "error", err)
				return
			}
			flusher.Flush()
			if done {
				return
			}
		}
	}
}

// sseFor converts a bus event. It returns nil for events outside runID and
// reports whether the stream should end after this event.
func sseFor(event bus.Event, runID string) (*streamSSEEvent, bool) {
	var eventRun, typ string
	finished := false
	switch p := event.Payload.(type) {
	case bus.RunStartedEvent:
		eventRun, typ = p.RunID, "run_started"
	case bus.GenerationCompletedEvent:
		eventRun, typ = p.RunID, "generation"
	case bus.RunFinishedEvent:
		eventRun, typ, finished = p.RunID, "run_finished", true
	case bus.PatternsDiscoveredEvent:
		typ = "patterns"
	default:
		return nil, false
	}
	if runID != "" && eventRun != runID {
		return nil, false
	}
	return &streamSSEEvent{Type: typ, RunID: eventRun, Payload: event.Payload}, finished && runID != ""
}
