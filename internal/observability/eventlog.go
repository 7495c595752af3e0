// File: internal/observability/eventlog.go
package observability

import (
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var eventJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EventLog appends one JSON line per page-action outcome to a file. It exists
// for post-hoc debugging of browser-mode runs; nothing else consumes it.
// All methods are safe on a nil receiver, so callers can pass it around
// unconditionally.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
	log  *zap.Logger
}

// eventEntry is the wire shape of one event log line.
type eventEntry struct {
	TS     string         `json:"ts"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

// OpenEventLog opens (or creates) the event log at path. A failure to open is
// logged and yields a nil EventLog; event logging is never load-bearing.
func OpenEventLog(path string, logger *zap.Logger) *EventLog {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warn("Could not open event log; page-action events will not be recorded.",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	return &EventLog{file: f, log: logger.Named("eventlog")}
}

// Record appends one event line. Write failures are logged, never fatal.
func (e *EventLog) Record(event string, detail map[string]any) {
	if e == nil {
		return
	}
	entry := eventEntry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Event:  event,
		Detail: detail,
	}
	line, err := eventJSON.Marshal(entry)
	if err != nil {
		e.log.Warn("Failed to encode event log entry.", zap.Error(err))
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.file.Write(line); err != nil {
		e.log.Warn("Failed to write event log entry.", zap.Error(err))
	}
}

// Close releases the underlying file.
func (e *EventLog) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		e.log.Debug("Event log close failed.", zap.Error(err))
	}
}
