package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"threatcloud/core"

	"go.uber.org/zap"
)

// failingAuditStore always errors on append.
type failingAuditStore struct{}

func (f *failingAuditStore) AppendAudit(ctx context.Context, entry *core.AuditLogEntry) error {
	return fmt.Errorf("disk full")
}

func (f *failingAuditStore) QueryAudit(ctx context.Context, filters *core.AuditFilters) ([]*core.AuditLogEntry, error) {
	return nil, nil
}

// memoryAuditStore collects appended entries.
type memoryAuditStore struct {
	entries []*core.AuditLogEntry
}

func (m *memoryAuditStore) AppendAudit(ctx context.Context, entry *core.AuditLogEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAuditStore) QueryAudit(ctx context.Context, filters *core.AuditFilters) ([]*core.AuditLogEntry, error) {
	return m.entries, nil
}

func TestRecord_StampsTimestamp(t *testing.T) {
	store := &memoryAuditStore{}
	logger := NewLogger(store, zap.NewNop().Sugar())

	logger.Record(context.Background(), &core.AuditLogEntry{
		Action:   core.AuditActionUpsert,
		Actor:    "sensor-1",
		EntityID: "ioc-1",
	})

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	if store.entries[0].At.IsZero() {
		t.Error("missing timestamp should be stamped")
	}
}

func TestRecord_AbsorbsStoreFailure(t *testing.T) {
	logger := NewLogger(&failingAuditStore{}, zap.NewNop().Sugar())

	// Must not panic or propagate: audit failure never fails the mutation
	logger.Record(context.Background(), &core.AuditLogEntry{Action: core.AuditActionUpsert})
	logger.RecordAction(context.Background(), core.AuditActionExpire, "scheduler", "count=1")
}

func TestRecordAction(t *testing.T) {
	store := &memoryAuditStore{}
	logger := NewLogger(store, zap.NewNop().Sugar())

	logger.RecordAction(context.Background(), core.AuditActionRulePublish, "scheduler", "rule-1")

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	e := store.entries[0]
	if e.Action != core.AuditActionRulePublish || e.Actor != "scheduler" || e.EntityID != "rule-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestQuery_Passthrough(t *testing.T) {
	store := &memoryAuditStore{entries: []*core.AuditLogEntry{
		{Action: core.AuditActionUpsert, At: time.Now().UTC()},
	}}
	logger := NewLogger(store, zap.NewNop().Sugar())

	entries, err := logger.Query(context.Background(), nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}
