// Package stream frames chat replies as server-sent events and makes
// sure a session never has two replies streaming at once.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const (
	startFrame = `{"type":"start"}`
	doneFrame  = "[DONE]"
)

// ErrClosed is returned for writes after the terminal frame.
var ErrClosed = errors.New("stream: terminal frame already sent")

// SetHeaders prepares w for an event stream. It must run before the
// first write.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Writer emits a start frame, text deltas and exactly one terminal
// frame, either [DONE] or an error object.
type Writer struct {
	mu         sync.Mutex
	out        io.Writer
	flusher    http.Flusher
	started    bool
	terminated bool
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &Writer{out: w, flusher: flusher}, nil
}

func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureStarted()
}

// Delta sends one text fragment as a JSON string.
func (w *Writer) Delta(text string) error {
	payload, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureStarted(); err != nil {
		return err
	}
	return w.frame(string(payload))
}

func (w *Writer) Done() error {
	return w.terminate(doneFrame)
}

// Error ends the stream with a generic message. Details stay in logs.
func (w *Writer) Error(message string) error {
	payload, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: message})
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	return w.terminate(string(payload))
}

// KeepAlive writes an SSE comment, which clients ignore.
func (w *Writer) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return ErrClosed
	}
	if _, err := fmt.Fprint(w.out, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *Writer) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

func (w *Writer) terminate(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureStarted(); err != nil {
		return err
	}
	// The flag is set before writing so a failed write still counts as
	// the one terminal frame.
	w.terminated = true
	return w.frame(payload)
}

func (w *Writer) ensureStarted() error {
	if w.terminated {
		return ErrClosed
	}
	if w.started {
		return nil
	}
	w.started = true
	return w.frame(startFrame)
}

func (w *Writer) frame(payload string) error {
	if _, err := fmt.Fprintf(w.out, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}
