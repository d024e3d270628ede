package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationManager_UpDown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migration-test.db")

	mgr, err := NewMigrationManager(dbPath)
	require.NoError(t, err)

	version, _, err := mgr.Version()
	require.NoError(t, err)
	assert.Zero(t, version, "fresh database has no version")

	require.NoError(t, mgr.Up())
	// a second Up is a no-op
	require.NoError(t, mgr.Up())

	version, dirty, err := mgr.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	require.NoError(t, mgr.Down())
	require.NoError(t, mgr.Close())

	conn, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer conn.Close()

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'runs'`).Scan(&count))
	assert.Zero(t, count)
}

func TestMigrateUp(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, MigrateUp(dbPath))
	require.NoError(t, MigrateUp(dbPath))
}

func TestUpMigrations(t *testing.T) {
	names, err := upMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "000001_create_ledger.up.sql", names[0])
}
