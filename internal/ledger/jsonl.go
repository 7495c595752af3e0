// File: internal/ledger/jsonl.go
package ledger

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// runCompleteAction marks run-registry entries inside the shared file. The
// file backend serves both tables: audit entries and registry entries share
// the stream, distinguished by action.
const runCompleteAction = "run_complete"

// FileLedger is the append-only JSON-lines fallback backend. Every entry is
// one JSON object per line; the file is never rewritten. Lookup is a linear
// scan, which is fine at audit-log volumes.
type FileLedger struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

// NewFileLedger builds a file backend. The file is created lazily on first
// append; a missing file just means an empty ledger.
func NewFileLedger(path string, logger *zap.Logger) *FileLedger {
	return &FileLedger{
		path: path,
		log:  logger.Named("ledger_file"),
	}
}

func (l *FileLedger) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := ledgerJSON.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

func (l *FileLedger) HasRunID(ctx context.Context, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var entry Entry
		if err := ledgerJSON.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn line from a crashed run must not poison the ledger.
			l.log.Debug("Skipping malformed ledger line.", zap.Error(err))
			continue
		}
		if entry.Action == runCompleteAction && entry.RunID == runID {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to scan ledger file: %w", err)
	}
	return false, nil
}

func (l *FileLedger) RecordRunID(ctx context.Context, runID, project string) error {
	done, err := l.HasRunID(ctx, runID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return l.Append(ctx, Entry{
		RunID:   runID,
		Project: project,
		Action:  runCompleteAction,
		Status:  "ok",
	})
}

func (l *FileLedger) Close() {}
