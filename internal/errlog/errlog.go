// Package errlog appends structured error records to an NDJSON file.
package errlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Recorder accepts error records. Implementations must not block callers.
type Recorder interface {
	Log(context string, err error, details map[string]any)
}

// Nop discards every record.
type Nop struct{}

// Log implements Recorder.
func (Nop) Log(string, error, map[string]any) {}

// Entry is one line of the error log.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Context   string         `json:"context"`
	Error     ErrorInfo      `json:"error"`
	Details   map[string]any `json:"details"`
}

// ErrorInfo describes the logged error.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Kind    string `json:"kind"`
}

// Config controls the error log.
type Config struct {
	Path      string
	QueueSize int
}

// Logger writes entries from a bounded queue on a single goroutine.
// When the queue is full the oldest pending entry is dropped.
type Logger struct {
	file   *os.File
	queue  chan Entry
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) the log file and starts the writer.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create error log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}

	l := &Logger{
		file:   f,
		queue:  make(chan Entry, cfg.QueueSize),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log queues a record. It never blocks.
func (l *Logger) Log(context string, err error, details map[string]any) {
	entry := NewEntry(context, err, details)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- entry:
		return
	default:
	}

	l.logger.Warn("Error log queue full, dropping oldest", "queue_len", len(l.queue))
	select {
	case <-l.queue:
	default:
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Failed to queue error log entry", "context", context)
	}
}

// NewEntry builds an entry, capturing the caller's stack.
func NewEntry(context string, err error, details map[string]any) Entry {
	if details == nil {
		details = map[string]any{}
	}
	info := ErrorInfo{Stack: callerStack(3)}
	if err != nil {
		info.Message = err.Error()
		info.Kind = fmt.Sprintf("%T", err)
	}
	return Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Context:   context,
		Error:     info,
		Details:   details,
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	enc := json.NewEncoder(l.file)
	for entry := range l.queue {
		if err := enc.Encode(entry); err != nil {
			l.logger.Warn("Failed to write error log entry", "error", err)
		}
	}
}

// Close drains pending entries and closes the file.
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		l.wg.Wait()
		err = l.file.Close()
	})
	return err
}

func callerStack(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
