// File: internal/ledger/ledger.go

// Package ledger provides the append-only audit log and the run-id registry
// that makes project syncs idempotent. A PostgreSQL backend serves both when
// a database URL is configured; otherwise a local JSON-lines file does.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
)

// Entry is one audit record. Detail carries free-form structured context and
// is stored as JSON.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	RunID     string         `json:"run_id"`
	Project   string         `json:"project"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Ledger is the persistence seam the sync engine writes through.
type Ledger interface {
	// Append adds one audit entry. Append-only: nothing ever updates or
	// deletes past entries.
	Append(ctx context.Context, entry Entry) error
	// HasRunID reports whether a run id has already been completed.
	HasRunID(ctx context.Context, runID string) (bool, error)
	// RecordRunID marks a run id completed. Recording the same id twice is
	// a no-op.
	RecordRunID(ctx context.Context, runID, project string) error
	// Close releases the backend.
	Close()
}

// Open selects the backend from configuration: PostgreSQL when a database
// URL is set, the JSON-lines file otherwise.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Ledger, error) {
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		led, err := NewPGLedger(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return led, nil
	}
	return NewFileLedger(cfg.Ledger.Path, logger), nil
}
