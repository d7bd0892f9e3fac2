package postgres

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/cyclearb?sslmode=disable", DSN(ClientConfig{
		Host: "db", Database: "cyclearb", User: "u", Password: "p",
	}))
	assert.Equal(t, "postgres://u:p@db:6543/x?sslmode=require", DSN(ClientConfig{
		Host: "db", Port: 6543, Database: "x", User: "u", Password: "p", SSLMode: "require",
	}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
	assert.Equal(t, "postgres://u:p%40ss@db:5432/x?sslmode=disable", DSN(ClientConfig{
		Host: "db", Database: "x", User: "u", Password: "p@ss",
	}))
}

func TestMigrationFiles_Ordered(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/001_cycle_results.sql", "migrations/002_audit_log.sql"}, files)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"001_cycle_results.sql", "002_audit_log.sql"}, names)
}
