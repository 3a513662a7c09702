package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// sseKeepaliveInterval is how often keepalive comments are sent to
// prevent connection timeouts.
const sseKeepaliveInterval = 15 * time.Second

// handleEventStream handles GET /documents/{id}/events (SSE endpoint).
// There is no replay: clients fetch current state after connecting and
// refetch after any reconnect.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	documentID := r.PathValue("id")

	ch := make(chan *model.ChangeEvent, 1)
	ctx := r.Context()
	sub, err := s.bus.Subscribe(documentID, func(ev *model.ChangeEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	defer sub.Close()

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			slog.Info("sse: subscription ended", "document", documentID, "reason", errString(sub.Err()))
			return
		case ev := <-ch:
			if err := writeSSEEvent(w, ev); err != nil {
				slog.Warn("sse: write failed", "document", documentID, "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the writer.
func writeSSEEvent(w http.ResponseWriter, ev *model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "id:%s\n", ev.ID)
	fmt.Fprintf(w, "event:%s\n", ev.Kind)
	_, err = fmt.Fprintf(w, "data:%s\n\n", data)
	return err
}
