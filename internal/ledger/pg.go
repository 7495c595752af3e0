// File: internal/ledger/pg.go
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var ledgerJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
    id      BIGSERIAL PRIMARY KEY,
    ts      TIMESTAMPTZ NOT NULL,
    run_id  TEXT NOT NULL,
    project TEXT NOT NULL,
    action  TEXT NOT NULL,
    status  TEXT NOT NULL,
    detail  JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS run_registry (
    run_id       TEXT PRIMARY KEY,
    project      TEXT NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL
);`

// PGLedger is the PostgreSQL ledger backend.
type PGLedger struct {
	pool DBPool
	log  *zap.Logger
}

// NewPGLedger verifies the connection and ensures the schema exists.
func NewPGLedger(ctx context.Context, pool DBPool, logger *zap.Logger) (*PGLedger, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return &PGLedger{
		pool: pool,
		log:  logger.Named("ledger_pg"),
	}, nil
}

func (l *PGLedger) Append(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := ledgerJSON.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to encode entry detail: %w", err)
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_log (ts, run_id, project, action, status, detail)
         VALUES ($1, $2, $3, $4, $5, $6);`,
		entry.Timestamp.UTC(), entry.RunID, entry.Project, entry.Action, entry.Status, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (l *PGLedger) HasRunID(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_registry WHERE run_id = $1);`, runID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check run id: %w", err)
	}
	return exists, nil
}

func (l *PGLedger) RecordRunID(ctx context.Context, runID, project string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO run_registry (run_id, project, completed_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (run_id) DO NOTHING;`,
		runID, project, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run id: %w", err)
	}
	return nil
}

func (l *PGLedger) Close() {
	l.pool.Close()
}
