package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipekit/pkg/model"
)

// handleSSERun streams run status updates via Server-Sent Events.
// GET /api/v1/sse/runs/{id}
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	st, err := s.runStatus(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := sendSSEEvent(w, flusher, "init", st); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}
	if st.Status.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", st)
		return
	}

	ticker := time.NewTicker(s.sseInterval)
	defer ticker.Stop()

	last := fingerprint(st)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			st, err = s.runStatus(r.Context(), id)
			if err != nil {
				s.logger.Error("sse fetch error", "run_id", id, "error", err)
				continue
			}

			if fp := fingerprint(st); fp != last {
				if err := sendSSEEvent(w, flusher, "update", st); err != nil {
					s.logger.Debug("sse client disconnected", "run_id", id)
					return
				}
				last = fp
			} else {
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}

			if st.Status.IsTerminal() {
				sendSSEEvent(w, flusher, "complete", st)
				return
			}
		}
	}
}

// fingerprint summarizes the statuses of a run and its steps.
func fingerprint(st *model.RunStatusEntity) string {
	data, _ := json.Marshal(struct {
		Status model.RunStatus
		Nodes  map[string]model.RunStatus
	}{st.Status, nodeStatuses(st)})
	return string(data)
}

func nodeStatuses(st *model.RunStatusEntity) map[string]model.RunStatus {
	out := make(map[string]model.RunStatus, len(st.NodeStatus))
	for id, ns := range st.NodeStatus {
		out[id] = ns.Status
	}
	return out
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
