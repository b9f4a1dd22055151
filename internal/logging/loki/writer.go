// Package loki provides a zerolog writer that ships relay logs to Grafana
// Loki, one stream per log level.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://grafana.lan:3100"
	Labels        map[string]string // Static labels added to every stream
	BatchSize     int               // Max entries before flush (default: 100)
	MaxBuffered   int               // Entries kept while Loki is down (default: 10 * BatchSize)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
	Client        *http.Client
}

// Writer implements io.Writer and pushes log lines to Loki. Write never
// blocks on the network and never fails; lines that cannot be delivered
// are counted and dropped.
type Writer struct {
	url     string
	labels  map[string]string
	client  *http.Client
	timeout time.Duration

	batchSize     int
	maxBuffered   int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []entry

	trigger  chan struct{}
	flushMu  sync.Mutex
	failures atomic.Uint64
	dropped  atomic.Uint64

	// Errors are reported here rather than through zerolog to avoid
	// logging about logging.
	errOut io.Writer
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Run to deliver entries.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	labels := map[string]string{"job": "moblink-relay"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		url:           cfg.URL,
		labels:        labels,
		client:        cfg.Client,
		timeout:       cfg.Timeout,
		batchSize:     cfg.BatchSize,
		maxBuffered:   cfg.MaxBuffered,
		flushInterval: cfg.FlushInterval,
		buffer:        make([]entry, 0, cfg.BatchSize),
		trigger:       make(chan struct{}, 1),
		errOut:        os.Stderr,
	}
}

// Write implements io.Writer. p is one zerolog JSON event.
func (w *Writer) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	if len(line) == 0 {
		return len(p), nil
	}
	e := entry{
		timestamp: time.Now(),
		level:     levelOf(line),
		line:      string(line),
	}

	w.mu.Lock()
	if len(w.buffer) >= w.maxBuffered {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// levelOf extracts the zerolog level field, or "unknown".
func levelOf(line []byte) string {
	var event struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(line, &event); err != nil || event.Level == "" {
		return "unknown"
	}
	return event.Level
}

// Run flushes periodically and when a batch fills, until ctx is done.
// Buffered entries are flushed once more before returning.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return nil
		case <-ticker.C:
			w.Flush()
		case <-w.trigger:
			w.Flush()
		}
	}
}

// Flush sends every buffered entry. Entries are kept for the next
// attempt when Loki cannot be reached.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	if err := w.push(entries); err != nil {
		if n := w.failures.Add(1); n <= 3 {
			fmt.Fprintf(w.errOut, "loki: %v\n", err)
		}
		w.requeue(entries)
	}
}

func (w *Writer) requeue(entries []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	merged := append(entries, w.buffer...)
	if excess := len(merged) - w.maxBuffered; excess > 0 {
		merged = merged[excess:]
		w.dropped.Add(uint64(excess))
	}
	w.buffer = merged
}

func (w *Writer) push(entries []entry) error {
	data, err := json.Marshal(w.request(entries))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// request groups entries into one stream per level, in level order.
func (w *Writer) request(entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{
			strconv.FormatInt(e.timestamp.UnixNano(), 10),
			e.line,
		})
	}

	levels := make([]string, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, level := range levels {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = level
		req.Streams = append(req.Streams, stream{Stream: labels, Values: byLevel[level]})
	}
	return req
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}

// Dropped returns the number of entries discarded because the buffer was
// full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}
