package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/deckflow/pkg/api"
)

// afterSeq reads the resume position from ?after_seq= or Last-Event-ID.
// Without either the stream starts at the first event.
func afterSeq(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("after_seq")
	if v == "" {
		v = r.Header.Get("Last-Event-ID")
	}
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < -1 {
		return 0, fmt.Errorf("invalid event position %q", v)
	}
	return n, nil
}

// handleEvents streams run events as server-sent events. The stream ends
// after the progress event that reports a terminal run status. A run that
// had already finished is replayed from the log and closed, even when the
// client resumes past its last event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	after, err := afterSeq(r)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, api.CodeInvalidRequest, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the status so a run finishing in between
	// still delivers its terminal event on the subscription.
	events, err := s.engine.Subscribe(ctx, runID, after)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var replay []api.RunEvent
	if run.Status.Terminal() {
		cancel()
		if replay, err = s.engine.Events(r.Context(), runID, after, 0); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	send := func(ev api.RunEvent) bool {
		if err := WriteEvent(w, ev); err != nil {
			s.logger.DebugContext(r.Context(), "event_stream_write_failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return !Terminal(ev)
	}

	if run.Status.Terminal() {
		for _, ev := range replay {
			if !send(ev) {
				return
			}
		}
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok || !send(ev) {
				return
			}
		}
	}
}

// WriteEvent writes ev in text/event-stream framing.
func WriteEvent(w io.Writer, ev api.RunEvent) error {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// Terminal reports whether ev is the progress event of a finished run.
func Terminal(ev api.RunEvent) bool {
	if ev.Type != api.EventProgress {
		return false
	}
	var p api.ProgressPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return false
	}
	return p.Status.Terminal()
}
