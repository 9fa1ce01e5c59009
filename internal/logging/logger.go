package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Cache outcomes recorded on access entries.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// RequestLog is one served photo request.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Route      string    `json:"route"`
	Pool       string    `json:"pool,omitempty"`
	Cache      string    `json:"cache"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Bytes      int       `json:"bytes"`
	Error      string    `json:"error,omitempty"`
}

// Logger writes access entries to the console and optionally to a JSON
// lines file.
type Logger struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File
}

var defaultLogger = &Logger{console: os.Stdout}

// Default returns the process-wide access logger.
func Default() *Logger {
	return defaultLogger
}

// NewLogger returns an access logger printing to console. A nil console
// disables console output.
func NewLogger(console io.Writer) *Logger {
	return &Logger{console: console}
}

// SetOutput appends JSON entries to the file at path.
func (l *Logger) SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	return nil
}

// SetConsole replaces the console writer; nil disables it.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// Log writes an access entry, stamping the time if unset.
func (l *Logger) Log(entry *RequestLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.console != nil {
		status := "✓"
		if entry.Status >= 400 {
			status = "✗"
		}
		fmt.Fprintf(l.console, "[request] %s %s %s %d %dms [%s]\n",
			status, entry.RequestID, entry.Route, entry.Status, entry.DurationMs, entry.Cache)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[request]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the file sink.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
