package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestSQLite creates a test SQLite database
func setupTestSQLite(t *testing.T) *SQLite {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	logger := zap.NewNop().Sugar()

	sqlite, err := NewSQLite(dbPath, logger)
	require.NoError(t, err, "Failed to create SQLite database")
	require.NotNil(t, sqlite, "SQLite instance should not be nil")

	t.Cleanup(func() {
		_ = sqlite.Close()
	})
	return sqlite
}

func TestNewSQLite_Success(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	logger := zap.NewNop().Sugar()

	sqlite, err := NewSQLite(dbPath, logger)
	require.NoError(t, err, "Should successfully create SQLite database")
	require.NotNil(t, sqlite.WriteDB, "Write pool should not be nil")
	require.NotNil(t, sqlite.ReadDB, "Read pool should not be nil")
	assert.Equal(t, dbPath, sqlite.Path, "Database path should match")

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	assert.NoError(t, sqlite.Close(), "Should close database without error")
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "subdir", "nested", "test.db")

	logger := zap.NewNop().Sugar()

	sqlite, err := NewSQLite(dbPath, logger)
	require.NoError(t, err, "Should create parent directories")
	defer sqlite.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Parent directory should exist")
	assert.True(t, info.IsDir())
}

func TestNewSQLite_WALMode(t *testing.T) {
	sqlite := setupTestSQLite(t)

	var journalMode string
	err := sqlite.WriteDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	assert.Equal(t, "wal", journalMode, "WAL mode should be active")
}

func TestReadPool_RejectsWrites(t *testing.T) {
	sqlite := setupTestSQLite(t)

	_, err := sqlite.ReadDB.Exec(`INSERT INTO rules (id, content, source, published_at) VALUES ('x', 'y', 'z', CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "query_only read pool should reject writes")
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	sqlite := setupTestSQLite(t)

	err := sqlite.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO rules (id, content, source, published_at) VALUES ('r1', 'c', 's', CURRENT_TIMESTAMP)`); err != nil {
			return err
		}
		return fmt.Errorf("forced failure")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, sqlite.ReadDB.QueryRow(`SELECT COUNT(*) FROM rules`).Scan(&count))
	assert.Equal(t, 0, count, "Rolled-back insert should not persist")
}

func TestWithTransaction_Commits(t *testing.T) {
	sqlite := setupTestSQLite(t)

	err := sqlite.WithTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO rules (id, content, source, published_at) VALUES ('r1', 'c', 's', CURRENT_TIMESTAMP)`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, sqlite.ReadDB.QueryRow(`SELECT COUNT(*) FROM rules`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(fmt.Errorf("some other error")))
	assert.True(t, IsBusy(fmt.Errorf("SQLITE_BUSY: database is busy")))
	assert.True(t, IsBusy(fmt.Errorf("database is locked")))
}
