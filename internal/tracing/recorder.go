// Package tracing keeps a rolling runtime trace of a tracker or storage
// node and serves snapshots of it for `go tool trace`.
package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultMaxBytes bounds the trace ring buffer.
const DefaultMaxBytes = 10 * 1024 * 1024

// ErrNotRunning is returned by WriteTo after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a flight recorder. Only one may run per process.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording, keeping at least minAge of history within
// maxBytes.
func Start(minAge time.Duration, maxBytes int) (*Recorder, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(maxBytes),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{fr: fr}, nil
}

// Stop ends recording. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// ServeHTTP writes the current trace window as application/octet-stream.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="filemesh.trace"`)
	if _, err := r.fr.WriteTo(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
