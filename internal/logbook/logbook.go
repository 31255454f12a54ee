package logbook

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const tailCapacity = 256

// Logbook records orchestration progress as timestamped lines. Entries go to
// an optional writer sink and are retained in a small in-memory ring so
// health views can show recent activity without re-reading files. A nil
// Logbook is valid and drops everything.
type Logbook struct {
	mu     sync.Mutex
	sink   io.Writer
	closer io.Closer
	recent []string
	clock  func() time.Time
}

// NewWriter creates a logbook that writes to the provided sink. A nil sink
// keeps entries only in memory.
func NewWriter(sink io.Writer) *Logbook {
	return &Logbook{sink: sink, clock: time.Now}
}

// NewFile creates a logbook backed by an append-only file at path.
func NewFile(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbook: open %s: %w", path, err)
	}
	lb := NewWriter(f)
	lb.closer = f
	return lb, nil
}

// Close releases the underlying file, if any.
func (l *Logbook) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Append writes a single entry.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s",
		l.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	l.recent = append(l.recent, line)
	if len(l.recent) > tailCapacity {
		l.recent = l.recent[len(l.recent)-tailCapacity:]
	}
	if l.sink != nil {
		_, _ = io.WriteString(l.sink, line+"\n")
	}
}

// Tail returns up to maxLines of the most recent entries, oldest first.
func (l *Logbook) Tail(maxLines int) []string {
	if l == nil || maxLines <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.recent) == 0 {
		return nil
	}
	start := 0
	if len(l.recent) > maxLines {
		start = len(l.recent) - maxLines
	}
	out := make([]string, len(l.recent)-start)
	copy(out, l.recent[start:])
	return out
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
