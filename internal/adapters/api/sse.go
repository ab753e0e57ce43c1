package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"GameHelper/internal/core"
)

// handleSSE streams task updates. Clients connect to /api/events and first receive
// a snapshot of every retained task, then updates as they happen.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "sse_not_supported", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan core.TaskUpdateEvent, 100)
	s.addSSEClient(clientChan)
	defer s.removeSSEClient(clientChan)

	s.sendSSEEvent(w, "connected", map[string]any{
		"message": "Connected to task event stream",
	})
	for _, snap := range s.scheduler.ListTasks() {
		s.sendSSEEvent(w, "task:snapshot", snap)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-clientChan:
			if !ok {
				return
			}
			s.sendSSEEvent(w, sseEventType(event.State), event)
			flusher.Flush()
		}
	}
}

func sseEventType(state core.TaskState) string {
	switch state {
	case core.TaskCompleted:
		return "task:completed"
	case core.TaskFailed:
		return "task:failed"
	case core.TaskCancelled, core.TaskInterrupted:
		return "task:stopped"
	case core.TaskPaused:
		return "task:paused"
	default:
		return "task:update"
	}
}

// sendSSEEvent writes one event in SSE framing: "event: <type>\ndata: <json>\n\n"
func (s *Server) sendSSEEvent(w http.ResponseWriter, eventType string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("[API] sendSSEEvent: marshal failed", "event", eventType, "err", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}
