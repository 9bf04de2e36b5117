package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections for the threat intelligence
// store. Separate read and write pools leverage WAL mode's concurrency model:
// unlimited concurrent readers plus exactly one writer. The single-writer
// pool is also what serializes same-key upsert merges.
type SQLite struct {
	WriteDB *sql.DB // Write-only pool (MaxOpenConns=1 for WAL single writer)
	ReadDB  *sql.DB // Read-only pool (query_only, concurrent reads)
	Path    string
	Logger  *zap.SugaredLogger
}

// configureConnection applies WAL mode, foreign keys, and busy timeout to a
// pool and verifies the settings actually took effect. SQLite silently
// ignores some PRAGMAs when set through connection strings, so each is
// issued and read back explicitly.
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got %d)", fkEnabled)
	}

	// Prevent immediate SQLITE_BUSY errors under writer contention
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" journal mode, not "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
	}

	return nil
}

// NewSQLite opens the store with separate read and write pools and creates
// the schema.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// For in-memory databases both pools must share one database instance
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// WAL requires exactly one writer at a time
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	// Enforce read-only access at the SQLite level
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}

	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite store initialized at %s with separate read/write pools", dbPath)
	return s, nil
}

// WithTransaction executes fn inside a transaction on the write pool,
// rolling back on error or panic. The write pool holds a single connection,
// so read-then-write merge sequences inside fn cannot interleave with any
// other writer.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsBusy reports whether err is a transient SQLITE_BUSY/LOCKED condition
// that the caller should retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// createTables creates all necessary tables
func (s *SQLite) createTables() error {
	schema := `
	-- Canonical indicators
	CREATE TABLE IF NOT EXISTS iocs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK(type IN ('ip','domain','url','hash_md5','hash_sha1','hash_sha256')),
		value TEXT NOT NULL,
		normalized TEXT NOT NULL,
		threat_type TEXT DEFAULT '',
		source TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','expired')),
		confidence REAL NOT NULL DEFAULT 50.0 CHECK(confidence >= 0 AND confidence <= 100),
		reputation_score REAL NOT NULL DEFAULT 50.0 CHECK(reputation_score >= 0 AND reputation_score <= 100),
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		sightings INTEGER NOT NULL DEFAULT 1 CHECK(sightings >= 1),
		tags TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_iocs_type_normalized ON iocs(type, normalized);
	CREATE INDEX IF NOT EXISTS idx_iocs_status ON iocs(status);
	CREATE INDEX IF NOT EXISTS idx_iocs_last_seen ON iocs(last_seen);
	CREATE INDEX IF NOT EXISTS idx_iocs_updated_at ON iocs(updated_at);
	CREATE INDEX IF NOT EXISTS idx_iocs_reputation ON iocs(reputation_score);

	-- Append-only enriched observations
	CREATE TABLE IF NOT EXISTS enriched_threats (
		id TEXT PRIMARY KEY,
		event_hash TEXT NOT NULL UNIQUE,
		source_type TEXT NOT NULL,
		indicator TEXT NOT NULL,
		attack_type TEXT DEFAULT '',
		techniques TEXT DEFAULT '[]',
		severity TEXT NOT NULL DEFAULT 'medium' CHECK(severity IN ('critical','high','medium','low','info')),
		service_type TEXT DEFAULT '',
		skill_level TEXT DEFAULT '',
		intent TEXT DEFAULT '',
		tools TEXT DEFAULT '[]',
		region TEXT DEFAULT '',
		timestamp DATETIME NOT NULL,
		ingested_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threats_indicator ON enriched_threats(indicator);
	CREATE INDEX IF NOT EXISTS idx_threats_timestamp ON enriched_threats(timestamp);
	CREATE INDEX IF NOT EXISTS idx_threats_source_type ON enriched_threats(source_type);

	-- Honeypot credential attempts, one row per (event, username, password)
	CREATE TABLE IF NOT EXISTS trap_credentials (
		event_id TEXT NOT NULL REFERENCES enriched_threats(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (event_id, username, password)
	);

	-- Generated detection rules, insert-only
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		published_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_published_at ON rules(published_at);

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		actor TEXT DEFAULT '',
		entity_id TEXT DEFAULT '',
		before_state TEXT DEFAULT '',
		after_state TEXT DEFAULT '',
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
