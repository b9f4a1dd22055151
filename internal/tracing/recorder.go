// Package tracing keeps a rolling runtime trace that can be downloaded
// while the relay runs, for diagnosing stalls in the forwarding loops.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotRunning is returned by Snapshot when the recorder is stopped.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime/trace flight recorder.
type Recorder struct {
	bufferSize int

	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// NewRecorder creates a stopped recorder. bufferSize <= 0 selects
// DefaultBufferSize.
func NewRecorder(bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{bufferSize: bufferSize}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil {
		return nil
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(r.bufferSize),
	})
	if err := fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	r.recorder = fr
	return nil
}

// Running reports whether the recorder is started.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder == nil {
		return ErrNotRunning
	}
	_, err := r.recorder.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}

// Handler serves the current snapshot as a download.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Running() {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}
		name := fmt.Sprintf("moblink-relay-%s.trace", time.Now().UTC().Format("20060102T150405Z"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		// Headers are already out; a failure leaves a truncated file.
		_ = r.Snapshot(w)
	})
}
