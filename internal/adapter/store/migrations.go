package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/arturoeanton/repolens/internal/port"
)

// migrations is the ordered list of schema changes. Never reorder or edit an
// applied entry; append a new one.
var migrations = []string{
	// 1: repository registry
	`CREATE TABLE IF NOT EXISTS repositories (
		id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		canonical_path   TEXT NOT NULL UNIQUE,
		url              TEXT NOT NULL,
		local_path       TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'not_synced',
		last_synced_at   TIMESTAMPTZ,
		last_analyzed_at TIMESTAMPTZ,
		commit_count     INTEGER NOT NULL DEFAULT 0,
		branch_count     INTEGER NOT NULL DEFAULT 0,
		disk_size_bytes  BIGINT NOT NULL DEFAULT 0,
		config_hash      TEXT NOT NULL DEFAULT '',
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// 2: commit metadata, hash-unique per repository
	`CREATE TABLE IF NOT EXISTS commits (
		repo_id         UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		sha             TEXT NOT NULL,
		message         TEXT NOT NULL DEFAULT '',
		author_name     TEXT NOT NULL DEFAULT '',
		author_email    TEXT NOT NULL DEFAULT '',
		authored_at     TIMESTAMPTZ NOT NULL,
		committer_name  TEXT NOT NULL DEFAULT '',
		committer_email TEXT NOT NULL DEFAULT '',
		committed_at    TIMESTAMPTZ NOT NULL,
		parents         TEXT[] NOT NULL DEFAULT '{}',
		classification  TEXT NOT NULL DEFAULT '',
		impact          DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (repo_id, sha)
	)`,

	// 3: refs and the commit<->branch join
	`CREATE TABLE IF NOT EXISTS branches (
		repo_id  UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		name     TEXT NOT NULL,
		head_sha TEXT NOT NULL,
		is_tag   BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (repo_id, name)
	)`,

	// 4
	`CREATE TABLE IF NOT EXISTS commit_branches (
		repo_id     UUID NOT NULL,
		sha         TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		PRIMARY KEY (repo_id, sha, branch_name),
		FOREIGN KEY (repo_id, sha) REFERENCES commits(repo_id, sha) ON DELETE CASCADE
	)`,

	// 5: per-repository sync audit trail
	`CREATE TABLE IF NOT EXISTS sync_history (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		repo_id     UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		task_id     TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		commits     INTEGER NOT NULL DEFAULT 0,
		branches    INTEGER NOT NULL DEFAULT 0,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	)`,

	// 6: message search support
	`CREATE INDEX IF NOT EXISTS idx_commits_message ON commits USING gin (to_tsvector('simple', message));
	 CREATE INDEX IF NOT EXISTS idx_sync_history_repo ON sync_history (repo_id, finished_at DESC)`,
}

// schemaVersion is the version this build of the code understands.
func schemaVersion() int { return len(migrations) }

// migrate brings the schema up to date. The store refuses to operate against
// a schema version newer than it recognizes.
func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	applied := int(current.Int64)
	if applied > schemaVersion() {
		return fmt.Errorf("database is at schema version %d, this build understands up to %d: %w",
			applied, schemaVersion(), port.ErrSchemaVersion)
	}

	for v := applied + 1; v <= schemaVersion(); v++ {
		stmt := migrations[v-1]
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", v, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, v); err != nil {
				return fmt.Errorf("record migration %d: %w", v, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		slog.Info("applied schema migration", "version", v)
	}
	return nil
}
