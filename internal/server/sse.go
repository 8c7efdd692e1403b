package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// eventWriter frames values as SSE data lines and flushes after each one.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &eventWriter{w: w, flusher: flusher}, true
}

func (e *eventWriter) start() {
	if e.started {
		return
	}
	e.started = true
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
}

func (e *eventWriter) writeChunk(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.start()
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *eventWriter) writeComment(text string) error {
	e.start()
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// writeError reports a failure after the stream has started.
func (e *eventWriter) writeError(err error) {
	e.writeChunk(map[string]any{
		"type":  "error",
		"error": map[string]any{"message": err.Error(), "status": statusFor(err)},
	})
}

func (e *eventWriter) writeDone() {
	e.start()
	fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flusher.Flush()
}
