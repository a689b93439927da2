package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trellis-labs/trellis/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// handleExecutionEvents streams bus messages for one execution as
// Server-Sent Events. The current snapshot is sent first so late
// subscribers converge immediately; the stream closes after a terminal
// update or when the client disconnects.
//
// SSE format:
//
//	id: {seq}
//	event: {type}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")

	snapshot, sub, ok := s.engine.Subscribe(execID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay phase: one synthetic update carrying the current snapshot.
	progress := snapshot.Progress.Clone()
	identity := snapshot.Identity
	first := bus.Message{
		Type:        bus.MessageExecutionUpdate,
		ExecutionID: execID,
		Status:      snapshot.Status,
		Progress:    &progress,
		Result:      snapshot.Result,
		Error:       snapshot.Error,
		Identity:    &identity,
	}
	if err := writeSSEMessage(w, first); err != nil {
		return
	}
	flusher.Flush()
	if snapshot.Status.Terminal() {
		return
	}
	// The execution may have settled between the snapshot read and the
	// subscription attach; a second read closes that window.
	if settled, ok := s.engine.Get(execID); ok && settled.Status.Terminal() {
		progress := settled.Progress.Clone()
		identity := settled.Identity
		final := bus.Message{
			Type:        bus.MessageExecutionUpdate,
			ExecutionID: execID,
			Status:      settled.Status,
			Progress:    &progress,
			Result:      settled.Result,
			Error:       settled.Error,
			Identity:    &identity,
		}
		_ = writeSSEMessage(w, final)
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			if err := writeSSEMessage(w, msg); err != nil {
				return
			}
			flusher.Flush()
			if msg.Type == bus.MessageExecutionUpdate && msg.Status.Terminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEMessage(w http.ResponseWriter, msg bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Type, data)
	return err
}
