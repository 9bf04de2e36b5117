// Package audit records every mutating operation for compliance review.
package audit

import (
	"context"
	"time"

	"threatcloud/core"
	"threatcloud/metrics"

	"go.uber.org/zap"
)

// Logger is a best-effort recorder in front of the append-only audit store.
// Audit is observability, not a transactional requirement: a failed audit
// write never fails the mutation that triggered it, but it is surfaced at
// error level and counted for operational visibility.
type Logger struct {
	store  core.AuditStorage
	logger *zap.SugaredLogger
}

// NewLogger creates an audit logger.
func NewLogger(store core.AuditStorage, logger *zap.SugaredLogger) *Logger {
	return &Logger{store: store, logger: logger}
}

// Record appends one entry. Errors are absorbed here by design.
func (l *Logger) Record(ctx context.Context, entry *core.AuditLogEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		l.logger.Errorw("Audit write failed",
			"action", entry.Action, "actor", entry.Actor, "entity_id", entry.EntityID, "error", err)
	}
}

// RecordAction is the common-case shorthand for entries without state
// snapshots.
func (l *Logger) RecordAction(ctx context.Context, action core.AuditAction, actor, entityID string) {
	l.Record(ctx, &core.AuditLogEntry{Action: action, Actor: actor, EntityID: entityID})
}

// Query returns matching audit entries for compliance review.
func (l *Logger) Query(ctx context.Context, filters *core.AuditFilters) ([]*core.AuditLogEntry, error) {
	return l.store.QueryAudit(ctx, filters)
}
