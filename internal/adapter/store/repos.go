package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
)

const repoColumns = `id, canonical_path, url, local_path, status, last_synced_at, last_analyzed_at,
	commit_count, branch_count, disk_size_bytes, config_hash, last_error, created_at, updated_at`

func scanRepo(row interface{ Scan(...any) error }) (*domain.RepositoryEntry, error) {
	var r domain.RepositoryEntry
	err := row.Scan(
		&r.ID, &r.CanonicalPath, &r.URL, &r.LocalPath, &r.Status,
		&r.LastSyncedAt, &r.LastAnalyzedAt,
		&r.CommitCount, &r.BranchCount, &r.DiskSizeBytes,
		&r.ConfigHash, &r.LastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	return &r, nil
}

// CreateRepo inserts a new registry entry. At most one entry exists per
// canonical path; a second insert for the same path fails.
func (s *PostgresStore) CreateRepo(ctx context.Context, entry *domain.RepositoryEntry) (*domain.RepositoryEntry, error) {
	query := `INSERT INTO repositories (canonical_path, url, local_path, status, config_hash)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING ` + repoColumns

	row := s.db.QueryRowContext(ctx, query,
		entry.CanonicalPath, entry.URL, entry.LocalPath, entry.Status, entry.ConfigHash,
	)
	created, err := scanRepo(row)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	return created, nil
}

// GetRepo returns a registry entry by id.
func (s *PostgresStore) GetRepo(ctx context.Context, id string) (*domain.RepositoryEntry, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE id = $1`
	return scanRepo(s.db.QueryRowContext(ctx, query, id))
}

// GetRepoByCanonicalPath returns a registry entry by its canonical path.
func (s *PostgresStore) GetRepoByCanonicalPath(ctx context.Context, canonical string) (*domain.RepositoryEntry, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE canonical_path = $1`
	return scanRepo(s.db.QueryRowContext(ctx, query, canonical))
}

// ListRepos returns every registry entry ordered by canonical path.
func (s *PostgresStore) ListRepos(ctx context.Context) ([]domain.RepositoryEntry, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories ORDER BY canonical_path`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []domain.RepositoryEntry
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// DeleteRepo removes a registry entry. Commits, branches, and history rows
// cascade; the caller removes on-disk artifacts.
func (s *PostgresStore) DeleteRepo(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.ErrRepoNotFound
	}
	return nil
}

// UpdateRepoStatus sets the status and error detail of a repository. Prior
// commit data is never touched here.
func (s *PostgresStore) UpdateRepoStatus(ctx context.Context, id string, status string, errDetail string) error {
	query := `UPDATE repositories SET status = $1, last_error = $2, updated_at = NOW() WHERE id = $3`
	if _, err := s.db.ExecContext(ctx, query, status, errDetail, id); err != nil {
		return fmt.Errorf("update repository status: %w", err)
	}
	return nil
}

// TouchAnalyzed stamps the last successful analysis time.
func (s *PostgresStore) TouchAnalyzed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE repositories SET last_analyzed_at = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("touch analyzed: %w", err)
	}
	return nil
}
