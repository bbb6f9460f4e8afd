// Package loki ships filemesh logs to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// PushPath is appended to the configured base URL.
const PushPath = "/loki/api/v1/push"

// Config holds writer settings.
type Config struct {
	URL           string            // base URL, e.g. http://loki:3100
	Labels        map[string]string // stream labels; job defaults to filemesh
	BatchSize     int               // default 100
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // default 10s
}

// Writer is an io.Writer for zerolog that batches lines and pushes them in
// the background. Writes never fail; push errors are counted.
type Writer struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	pending [][2]string

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	failures atomic.Uint64
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// New starts a writer. Close flushes what is left.
func New(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "filemesh"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	cfg.Labels = labels

	w := &Writer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write queues one log line. zerolog reuses p, so it is copied.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	w.mu.Lock()
	w.pending = append(w.pending, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(w.pending) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Close stops the background loop and pushes the remaining lines.
func (w *Writer) Close() error {
	close(w.stop)
	<-w.done
	return w.flush()
}

// Failures returns the number of pushes that did not reach Loki.
func (w *Writer) Failures() uint64 { return w.failures.Load() }

func (w *Writer) loop() {
	defer close(w.done)
	t := time.NewTicker(w.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
		case <-w.kick:
		}
		_ = w.flush()
	}
}

// flush runs on the loop goroutine, or after it exited.
func (w *Writer) flush() error {
	w.mu.Lock()
	values := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(values) == 0 {
		return nil
	}

	data, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.cfg.Labels, Values: values}}})
	if err != nil {
		w.failures.Add(1)
		return fmt.Errorf("encode loki push: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+PushPath, bytes.NewReader(data))
	if err != nil {
		w.failures.Add(1)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.failures.Add(1)
		return fmt.Errorf("loki push: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.failures.Add(1)
		return fmt.Errorf("loki push: status %d", resp.StatusCode)
	}
	return nil
}
