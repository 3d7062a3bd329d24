package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string // SSE event type (e.g. "console")
	mu      sync.Mutex
	closed  bool
}

// NewSSEWriter creates an SSE writer for the given event type.
// Returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write sends data as an SSE event and flushes immediately. Writes after
// Close are discarded.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 || s.closed {
		return len(p), nil
	}

	// Each line of a multi-line payload needs its own "data:" prefix or a
	// newline in console output could inject events.
	lines := strings.Split(string(p), "\n")
	fmt.Fprintf(s.w, "event: %s\n", s.event)
	for _, line := range lines {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// Line sends one console line. It matches the sandbox OnConsole callback.
func (s *SSEWriter) Line(line string) {
	_, _ = s.Write([]byte(line))
}

// Close stops the writer from touching the response.
func (s *SSEWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func sendSSEEvent(w http.ResponseWriter, event, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
}

// sendSSEDone sends a completion event with the final result as JSON.
func sendSSEDone(w http.ResponseWriter, data string) {
	sendSSEEvent(w, "done", data)
}

// sendSSEError sends an error event.
func sendSSEError(w http.ResponseWriter, data string) {
	sendSSEEvent(w, "error", data)
}
