package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSQLiteGateway_AppliesEveryMigration(t *testing.T) {
	g, err := NewSQLiteGateway(filepath.Join(t.TempDir(), "sentinel.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer g.Close()

	runner, err := NewMigrationRunner(g.WriteDB, zap.NewNop().Sugar())
	require.NoError(t, err)
	runner.Register(sqliteMigrations...)

	applied, err := runner.Applied()
	require.NoError(t, err)
	require.Len(t, applied, len(sqliteMigrations))
	for i, rec := range applied {
		assert.Equal(t, sqliteMigrations[i].Version, rec.Version)
		assert.False(t, rec.AppliedAt.IsZero())
	}

	pending, err := runner.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	issues, err := runner.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, issues)

	var count int
	require.NoError(t, g.ReadDB.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('security_events') WHERE name = 'region'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrationRunner_OrderAndFailure(t *testing.T) {
	g, err := NewSQLiteGateway(filepath.Join(t.TempDir(), "sentinel.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer g.Close()

	runner, err := NewMigrationRunner(g.WriteDB, zap.NewNop().Sugar())
	require.NoError(t, err)
	runner.Register(sqliteMigrations...)

	var order []string
	runner.Register(
		Migration{Version: "1.10.0", Name: "second", Up: func(tx *sql.Tx) error {
			order = append(order, "1.10.0")
			return addColumnIfNotExists(tx, "users", "note", "TEXT")
		}},
		Migration{Version: "1.9.0", Name: "first", Up: func(tx *sql.Tx) error {
			order = append(order, "1.9.0")
			return nil
		}},
		Migration{Version: "1.11.0", Name: "broken", Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("CREATE TABLE scratch (id TEXT)"); err != nil {
				return err
			}
			return errors.New("boom")
		}},
	)

	err = runner.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1.11.0")
	assert.Equal(t, []string{"1.9.0", "1.10.0"}, order)

	pending, err := runner.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1.11.0", pending[0].Version)

	var count int
	require.NoError(t, g.WriteDB.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'scratch'").Scan(&count))
	assert.Zero(t, count, "failed migration must be rolled back")
}

func TestMigrationRunner_PanicIsAnError(t *testing.T) {
	g, err := NewSQLiteGateway(filepath.Join(t.TempDir(), "sentinel.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer g.Close()

	runner, err := NewMigrationRunner(g.WriteDB, zap.NewNop().Sugar())
	require.NoError(t, err)
	runner.Register(Migration{Version: "9.0.0", Name: "panics", Up: func(*sql.Tx) error {
		panic("bad migration")
	}})

	err = runner.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestMigrationRunner_VerifyIntegrity(t *testing.T) {
	g, err := NewSQLiteGateway(filepath.Join(t.TempDir(), "sentinel.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer g.Close()

	runner, err := NewMigrationRunner(g.WriteDB, zap.NewNop().Sugar())
	require.NoError(t, err)
	runner.Register(sqliteMigrations[0])
	runner.Register(Migration{Version: sqliteMigrations[1].Version, Name: "renamed", Up: sqliteMigrations[1].Up})

	issues, err := runner.VerifyIntegrity()
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0], "1.1.0 checksum mismatch")
	assert.Contains(t, issues[1], "1.2.0 was applied but is not registered")
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("1.2.0", "1.10.0"))
	assert.Equal(t, 0, compareVersions("1.0", "1.0.0"))
	assert.Equal(t, 1, compareVersions("2.0.0", "1.99.99"))
}

func TestValidateSQLIdentifier(t *testing.T) {
	assert.NoError(t, validateSQLIdentifier("security_events"))
	assert.NoError(t, validateSQLIdentifier("_x1"))
	assert.Error(t, validateSQLIdentifier(""))
	assert.Error(t, validateSQLIdentifier("1abc"))
	assert.Error(t, validateSQLIdentifier("users; DROP TABLE blocks"))
}
