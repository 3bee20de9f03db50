package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaVersionMatchesMigrationCount(t *testing.T) {
	assert.Equal(t, len(migrations), schemaVersion())
}

func TestMigrationsAreNonEmpty(t *testing.T) {
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.NotEmpty(t, strings.TrimSpace(m), "migration %d is empty", i+1)
	}
}

func TestMigrationsCreateExpectedTables(t *testing.T) {
	all := strings.Join(migrations, "\n")
	for _, table := range []string{"repositories", "commits", "branches", "commit_branches", "sync_history"} {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS "+table, "missing table %s", table)
	}
}
