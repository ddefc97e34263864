package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/forgeci/internal/events"
	"github.com/me/forgeci/pkg/model"
)

// handleSSERun streams run and job status transitions via Server-Sent
// Events. Events come from the scheduler's notifier; a comment
// heartbeat keeps the connection warm between transitions.
// GET /api/v1/sse/runs/{id}
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	stream, cancel := s.notifier.Subscribe(id)
	defer cancel()

	// Send initial state.
	if err := sendSSEEvent(w, flusher, "init", run); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}
	if run.Status.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", run)
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, "update", ev); err != nil {
				s.logger.Debug("sse client disconnected", "run_id", id)
				return
			}
			// Stop streaming once the run itself finishes.
			if ev.Kind == events.KindRun && ev.Terminal {
				if current, err := s.store.GetRun(r.Context(), id); err == nil && current != nil {
					sendSSEEvent(w, flusher, "complete", current)
				}
				return
			}
		}
	}
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
