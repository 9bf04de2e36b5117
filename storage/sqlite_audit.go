package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"threatcloud/core"

	"go.uber.org/zap"
)

// =============================================================================
// SQLite Audit Log Storage Implementation
// =============================================================================

// SQLiteAuditStorage implements core.AuditStorage. The audit_log table is
// append-only; entries are never updated or deleted within the retention
// window.
type SQLiteAuditStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAuditStorage creates a new audit storage instance
func NewSQLiteAuditStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAuditStorage {
	return &SQLiteAuditStorage{sqlite: sqlite, logger: logger}
}

// AppendAudit inserts one audit entry.
func (s *SQLiteAuditStorage) AppendAudit(ctx context.Context, entry *core.AuditLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if entry.Action == "" {
		return fmt.Errorf("audit action is required")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor, entity_id, before_state, after_state, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Action, entry.Actor, entry.EntityID, entry.Before, entry.After, entry.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// QueryAudit returns audit entries matching the filters, newest first.
func (s *SQLiteAuditStorage) QueryAudit(ctx context.Context, filters *core.AuditFilters) ([]*core.AuditLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if filters == nil {
		filters = &core.AuditFilters{}
	}

	var conditions []string
	var args []interface{}

	if filters.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filters.Action)
	}
	if filters.Actor != "" {
		conditions = append(conditions, "actor = ?")
		args = append(args, filters.Actor)
	}
	if filters.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filters.EntityID)
	}
	if filters.Since != nil {
		conditions = append(conditions, "at >= ?")
		args = append(args, filters.Since.UTC())
	}
	if filters.Until != nil {
		conditions = append(conditions, "at < ?")
		args = append(args, filters.Until.UTC())
	}

	query := `SELECT id, action, actor, entity_id, before_state, after_state, at FROM audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY at DESC, id DESC"

	limit := filters.Limit
	if limit <= 0 || limit > core.MaxSearchPageSize {
		limit = core.MaxSearchPageSize
	}
	query += " LIMIT ? OFFSET ?"
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*core.AuditLogEntry
	for rows.Next() {
		var e core.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.EntityID, &e.Before, &e.After, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
