package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxErrorEntries bounds the error log; older entries are dropped first.
const MaxErrorEntries = 500

// ErrorEntry is one user-facing error record.
type ErrorEntry struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack"`
	Info      map[string]any `json:"info,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorLog keeps error entries in memory and mirrors them to a JSON file so
// they survive restarts and can be downloaded.
type ErrorLog struct {
	path    string
	mutex   sync.Mutex
	entries []ErrorEntry
	now     func() time.Time
}

var (
	currentErrorLog *ErrorLog
	errorLogMutex   sync.Mutex
)

// OpenErrorLog loads existing entries from path. An empty path keeps the log
// in memory only.
func OpenErrorLog(path string) (*ErrorLog, error) {
	l := &ErrorLog{path: path, now: time.Now}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read error log: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &l.entries); err != nil {
			return nil, fmt.Errorf("failed to parse error log %s: %w", path, err)
		}
	}
	return l, nil
}

// SetCurrent makes l the process-wide error log.
func SetCurrent(l *ErrorLog) {
	errorLogMutex.Lock()
	defer errorLogMutex.Unlock()
	currentErrorLog = l
}

// Current returns the process-wide error log, which may be nil.
func Current() *ErrorLog {
	errorLogMutex.Lock()
	defer errorLogMutex.Unlock()
	return currentErrorLog
}

// Record appends an entry for err with the caller's stack and context.
func (l *ErrorLog) Record(err error, info map[string]any) ErrorEntry {
	entry := ErrorEntry{
		ID:    uuid.NewString(),
		Stack: string(debug.Stack()),
		Info:  info,
	}
	if err != nil {
		entry.Message = err.Error()
	}
	if l == nil {
		return entry
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry.Timestamp = l.now()
	l.entries = append(l.entries, entry)
	if len(l.entries) > MaxErrorEntries {
		l.entries = append([]ErrorEntry(nil), l.entries[len(l.entries)-MaxErrorEntries:]...)
	}
	if ferr := l.flush(); ferr != nil {
		log.Warn().Err(ferr).Str("path", l.path).Msg("Failed to write error log")
	}
	return entry
}

// Entries returns a copy of all entries, oldest first.
func (l *ErrorLog) Entries() []ErrorEntry {
	if l == nil {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]ErrorEntry(nil), l.entries...)
}

// Export writes the entries as an indented JSON array.
func (l *ErrorLog) Export(w io.Writer) error {
	entries := l.Entries()
	if entries == nil {
		entries = []ErrorEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func (l *ErrorLog) Clear() error {
	if l == nil {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.entries = nil
	return l.flush()
}

func (l *ErrorLog) flush() error {
	if l.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	data, err := json.Marshal(l.entries)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
