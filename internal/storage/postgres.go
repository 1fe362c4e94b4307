// Package storage persists an audit trail of finished executions to
// PostgreSQL. The audit log is optional; the service runs without it.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts one finished execution into the audit log.
func (db *DB) LogExecution(ctx context.Context, rec *ExecutionAudit) error {
	query := `
		INSERT INTO session_executions (session_id, exec_index, runtime, code_hash,
			status, duration_ms, output_bytes, image_count, spilled,
			security_events, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.pool.Exec(ctx, query,
		rec.SessionID, rec.ExecIndex, rec.Runtime, rec.CodeHash,
		rec.Status, rec.DurationMS, rec.OutputBytes, rec.ImageCount, rec.Spilled,
		rec.SecurityEvents, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution audit: %w", err)
	}
	return nil
}

// ListExecutions queries audited executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter AuditFilter) ([]ExecutionAudit, error) {
	query := `
		SELECT session_id, exec_index, runtime, code_hash, status,
			duration_ms, output_bytes, image_count, spilled,
			security_events, started_at, finished_at
		FROM session_executions
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.SessionID, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution audits: %w", err)
	}
	defer rows.Close()

	var results []ExecutionAudit
	for rows.Next() {
		var rec ExecutionAudit
		if err := rows.Scan(
			&rec.SessionID, &rec.ExecIndex, &rec.Runtime, &rec.CodeHash, &rec.Status,
			&rec.DurationMS, &rec.OutputBytes, &rec.ImageCount, &rec.Spilled,
			&rec.SecurityEvents, &rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}
