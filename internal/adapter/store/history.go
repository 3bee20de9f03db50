package store

import (
	"context"
	"fmt"

	"github.com/arturoeanton/repolens/internal/port"
)

// AppendSyncHistory records the outcome of one sync or analyze attempt.
// Every attempt is recorded, success or failure; no operation fails silently.
func (s *PostgresStore) AppendSyncHistory(ctx context.Context, rec port.SyncHistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (repo_id, task_id, kind, outcome, error, commits, branches, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.RepoID, rec.TaskID, rec.Kind, rec.Outcome, rec.Error,
		rec.Commits, rec.Branches, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("append sync history: %w", err)
	}
	return nil
}

// ListSyncHistory returns the newest history rows for a repository.
func (s *PostgresStore) ListSyncHistory(ctx context.Context, repoID string, limit int) ([]port.SyncHistoryRecord, error) {
	query := `SELECT repo_id, task_id, kind, outcome, error, commits, branches, started_at, finished_at
	          FROM sync_history WHERE repo_id = $1 ORDER BY finished_at DESC`
	args := []any{repoID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync history: %w", err)
	}
	defer rows.Close()

	var records []port.SyncHistoryRecord
	for rows.Next() {
		var r port.SyncHistoryRecord
		if err := rows.Scan(&r.RepoID, &r.TaskID, &r.Kind, &r.Outcome, &r.Error,
			&r.Commits, &r.Branches, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan sync history: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
