package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
	"github.com/lib/pq"
)

// ApplySync persists everything a successful sync produced as one logical
// unit. A failure partway through rolls the whole update back, so the
// registry is never marked active against a half-updated metadata store.
func (s *PostgresStore) ApplySync(ctx context.Context, update port.SyncUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range update.Commits {
			// Commits are immutable once inserted; annotations are written
			// by analyze runs, never by sync.
			_, err := tx.ExecContext(ctx, `
				INSERT INTO commits (repo_id, sha, message, author_name, author_email, authored_at,
				                     committer_name, committer_email, committed_at, parents)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (repo_id, sha) DO NOTHING`,
				update.RepoID, c.SHA, c.Message, c.AuthorName, c.AuthorEmail, c.AuthoredAt,
				c.CommitterName, c.CommitterEmail, c.CommittedAt, pq.Array(c.Parents),
			)
			if err != nil {
				return fmt.Errorf("insert commit %s: %w", c.SHA, err)
			}
		}

		if update.PruneDeleted {
			// Prune only refs gone from the remote. A windowed sync does not
			// re-walk old commits, so associations with surviving refs must
			// not be dropped and rebuilt from this update alone.
			current := make([]string, 0, len(update.Refs))
			for _, ref := range update.Refs {
				current = append(current, ref.Name)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM branches WHERE repo_id = $1 AND name <> ALL($2)`,
				update.RepoID, pq.Array(current)); err != nil {
				return fmt.Errorf("prune branches: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM commit_branches WHERE repo_id = $1 AND branch_name <> ALL($2)`,
				update.RepoID, pq.Array(current)); err != nil {
				return fmt.Errorf("prune commit branches: %w", err)
			}
		}

		branchCount := 0
		for _, ref := range update.Refs {
			if !ref.IsTag {
				branchCount++
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO branches (repo_id, name, head_sha, is_tag)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (repo_id, name) DO UPDATE SET head_sha = EXCLUDED.head_sha`,
				update.RepoID, ref.Name, ref.SHA, ref.IsTag,
			)
			if err != nil {
				return fmt.Errorf("upsert branch %s: %w", ref.Name, err)
			}
		}

		for _, c := range update.Commits {
			for _, branch := range c.Branches {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO commit_branches (repo_id, sha, branch_name)
					VALUES ($1, $2, $3)
					ON CONFLICT DO NOTHING`,
					update.RepoID, c.SHA, branch,
				)
				if err != nil {
					return fmt.Errorf("associate commit %s with %s: %w", c.SHA, branch, err)
				}
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE repositories SET
				status          = $1,
				last_synced_at  = $2,
				commit_count    = (SELECT COUNT(*) FROM commits WHERE repo_id = $3),
				branch_count    = $4,
				disk_size_bytes = $5,
				config_hash     = $6,
				last_error      = '',
				updated_at      = NOW()
			WHERE id = $3`,
			domain.RepoStatusActive, update.SyncedAt, update.RepoID,
			branchCount, update.DiskSize, update.ConfigHash,
		)
		if err != nil {
			return fmt.Errorf("finalize repository entry: %w", err)
		}
		return nil
	})
}

const commitColumns = `c.repo_id, c.sha, c.message, c.author_name, c.author_email, c.authored_at,
	c.committer_name, c.committer_email, c.committed_at, c.parents, c.classification, c.impact`

func scanCommit(row interface{ Scan(...any) error }) (*domain.CommitRecord, error) {
	var c domain.CommitRecord
	var parents pq.StringArray
	err := row.Scan(
		&c.RepoID, &c.SHA, &c.Message, &c.AuthorName, &c.AuthorEmail, &c.AuthoredAt,
		&c.CommitterName, &c.CommitterEmail, &c.CommittedAt, &parents,
		&c.Classification, &c.Impact,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrCommitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan commit: %w", err)
	}
	c.Parents = parents
	return &c, nil
}

// GetCommit reads one commit by hash, including its branch associations.
func (s *PostgresStore) GetCommit(ctx context.Context, repoID string, sha string) (*domain.CommitRecord, error) {
	query := `SELECT ` + commitColumns + ` FROM commits c WHERE c.repo_id = $1 AND c.sha = $2`
	c, err := scanCommit(s.db.QueryRowContext(ctx, query, repoID, sha))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT branch_name FROM commit_branches WHERE repo_id = $1 AND sha = $2 ORDER BY branch_name`,
		repoID, sha,
	)
	if err != nil {
		return nil, fmt.Errorf("list commit branches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan branch name: %w", err)
		}
		c.Branches = append(c.Branches, name)
	}
	return c, rows.Err()
}

// ListCommits returns the newest commits of a repository.
func (s *PostgresStore) ListCommits(ctx context.Context, repoID string, limit int) ([]domain.CommitRecord, error) {
	query := `SELECT ` + commitColumns + ` FROM commits c WHERE c.repo_id = $1 ORDER BY c.committed_at DESC`
	args := []any{repoID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var commits []domain.CommitRecord
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	return commits, rows.Err()
}

// SearchCommits searches commit messages with ILIKE, optionally scoped to a
// set of repositories.
func (s *PostgresStore) SearchCommits(ctx context.Context, pattern string, repoIDs []string, limit int) ([]domain.CommitRecord, error) {
	query := `SELECT ` + commitColumns + ` FROM commits c WHERE c.message ILIKE $1`
	args := []any{"%" + pattern + "%"}

	if len(repoIDs) > 0 {
		query += ` AND c.repo_id = ANY($2)`
		args = append(args, pq.Array(repoIDs))
	}
	query += fmt.Sprintf(` ORDER BY c.committed_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search commits: %w", err)
	}
	defer rows.Close()

	var commits []domain.CommitRecord
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	return commits, rows.Err()
}

// AnnotateCommit overwrites the analysis annotations of a commit. All other
// commit fields stay immutable.
func (s *PostgresStore) AnnotateCommit(ctx context.Context, repoID string, sha string, classification string, impact float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commits SET classification = $1, impact = $2 WHERE repo_id = $3 AND sha = $4`,
		classification, impact, repoID, sha,
	)
	if err != nil {
		return fmt.Errorf("annotate commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.ErrCommitNotFound
	}
	return nil
}

// ListBranches returns the branch names of a repository (tags excluded).
func (s *PostgresStore) ListBranches(ctx context.Context, repoID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM branches WHERE repo_id = $1 AND is_tag = FALSE ORDER BY name`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
