package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/taskpipe/internal/bus"
)

// streamSSEEvent is one SSE frame sent to the client.
type streamSSEEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Phase  string `json:"phase,omitempty"`
	Result any    `json:"result,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleTaskStream implements GET /api/stream?task_id=XXX: live bus
// events for one task replayed as server-sent events.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, "task_id query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", "task_id", taskID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			sseEvent := translateBusEvent(event, taskID)
			if sseEvent == nil {
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				s.logger.Error("sse marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// translateBusEvent maps a bus event onto the SSE wire shape, filtering
// by task id. Returns nil for events about other tasks.
func translateBusEvent(event bus.Event, taskID string) *streamSSEEvent {
	switch payload := event.Payload.(type) {
	case bus.PhaseEvent:
		if payload.TaskID != taskID {
			return nil
		}
		if event.Topic == bus.TopicPhaseStarted {
			return &streamSSEEvent{Type: "phase_started", TaskID: taskID, Phase: payload.Phase}
		}
		return &streamSSEEvent{
			Type:   payload.Phase + "_complete",
			TaskID: taskID,
			Phase:  payload.Phase,
			Result: payload.Result,
		}
	case bus.TaskEvent:
		if payload.TaskID != taskID {
			return nil
		}
		switch event.Topic {
		case bus.TopicTaskCompleted:
			return &streamSSEEvent{Type: "task_complete", TaskID: taskID, Status: payload.Status}
		case bus.TopicTaskCancelled:
			return &streamSSEEvent{Type: "task_cancelled", TaskID: taskID, Status: payload.Status}
		case bus.TopicTaskErrored:
			return &streamSSEEvent{Type: "error", TaskID: taskID, Status: payload.Status, Error: payload.Error}
		default:
			return nil
		}
	default:
		return nil
	}
}
