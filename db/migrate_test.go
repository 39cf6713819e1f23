package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateCreatesSchema(t *testing.T) {
	conn := openMemoryDB(t)
	require.NoError(t, Migrate(conn, nil))

	for _, table := range []string{
		"jobs", "job_actions", "targets", "communication_methods", "credentials",
		"executions", "branches", "execution_logs", "serial_counters",
	} {
		var name string
		err := conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openMemoryDB(t)
	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil))

	var applied int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Greater(t, applied, 0)

	// Applying twice records each migration exactly once.
	var distinct int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(DISTINCT version) FROM schema_migrations`).Scan(&distinct))
	assert.Equal(t, applied, distinct)
}

func TestSerialsAreUniqueAcrossEntities(t *testing.T) {
	conn := openMemoryDB(t)
	require.NoError(t, Migrate(conn, nil))

	_, err := conn.Exec(`
		INSERT INTO jobs (id, serial, name, created_at, updated_at)
		VALUES ('a', 'JOB-2026-000001', 'one', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = conn.Exec(`
		INSERT INTO jobs (id, serial, name, created_at, updated_at)
		VALUES ('b', 'JOB-2026-000001', 'two', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "duplicate serials must be rejected by the schema")
}
