package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas applied", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		database, err := Open(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, database)
		defer database.Close()

		var journalMode string
		err = database.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
		require.NoError(t, err)
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		err = database.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
		require.NoError(t, err)
		assert.Equal(t, 1, foreignKeys)
	})

	t.Run("fails on unwritable path", func(t *testing.T) {
		_, err := Open("/nonexistent-dir/sub/test.db", nil)
		assert.Error(t, err)
	})
}

func TestIsDatabaseClosed(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.False(t, IsDatabaseClosed(nil))
	})

	t.Run("wrapped sentinel", func(t *testing.T) {
		err := errors.Wrap(ErrDatabaseClosed, "write run")
		assert.True(t, IsDatabaseClosed(err))
	})

	t.Run("raw driver message", func(t *testing.T) {
		assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	})

	t.Run("unrelated error", func(t *testing.T) {
		assert.False(t, IsDatabaseClosed(errors.New("constraint violation")))
	})

	t.Run("closed connection surfaces as closed", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "closed.db")
		database, err := Open(dbPath, nil)
		require.NoError(t, err)
		require.NoError(t, database.Close())

		_, err = database.Exec("SELECT 1")
		assert.True(t, IsDatabaseClosed(err))
	})
}
