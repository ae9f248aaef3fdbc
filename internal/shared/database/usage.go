package database

import (
	"context"
	"fmt"

	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// InsertUsage appends one usage record. A record whose definition no longer
// exists is dropped, so a request finishing after DeleteDefinition cannot
// leave usage behind.
func (db *DB) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}

	query := `
		INSERT INTO usage_records (
			id, api_id, caller, method, path, status_code, latency_ms, user_agent, error_kind, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM api_definitions
		WHERE id = ?`
	if db.dialect == DialectPostgres {
		// Serializes against DeleteDefinition, which removes the definition row first.
		query += ` FOR SHARE`
	}

	_, err := db.conn.ExecContext(ctx, db.rebind(query),
		rec.ID, rec.DefinitionID, rec.Caller, rec.Method, rec.Path, rec.StatusCode,
		rec.LatencyMs, rec.UserAgent, rec.ErrorKind, rec.CreatedAt,
		rec.DefinitionID,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// CountUsage returns the number of usage records for a definition.
func (db *DB) CountUsage(ctx context.Context, definitionID string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM usage_records WHERE api_id = ?`), definitionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// ListUsage returns the most recent usage records of a definition.
func (db *DB) ListUsage(ctx context.Context, definitionID string, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, api_id, caller, method, path, status_code, latency_ms, user_agent, error_kind, created_at
		FROM usage_records
		WHERE api_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), definitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.DefinitionID, &r.Caller, &r.Method, &r.Path, &r.StatusCode,
			&r.LatencyMs, &r.UserAgent, &r.ErrorKind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
