package core

import (
	"context"
	"time"
)

// MaxSearchPageSize caps indicator search pages to bound response cost.
const MaxSearchPageSize = 1000

// IndicatorFilters defines filters for indicator search.
type IndicatorFilters struct {
	Type          IndicatorType
	Source        string
	Status        IndicatorStatus
	MinReputation float64
	UpdatedSince  *time.Time
	Search        string // Substring match on normalized value
	Limit         int    // Clamped to MaxSearchPageSize
	Offset        int
}

// ReputationUpdate is one (id, score) pair for a batch reputation write.
type ReputationUpdate struct {
	ID    string
	Score float64
}

// IndicatorEventStats aggregates the enriched events referencing one
// indicator, as consumed by the reputation engine.
type IndicatorEventStats struct {
	EventCount      int64
	MaxSeverity     Severity
	DistinctSources int // Distinct source types (guard/trap/feed)
}

// IndicatorStorage defines persistence for canonical indicators. Upsert must
// serialize merges of a single (type, normalized) key: two concurrent
// sightings of the same indicator both increment the count, never lose one.
type IndicatorStorage interface {
	Upsert(ctx context.Context, in IndicatorInput) (*IoCRecord, bool, error) // bool: created (vs merged)
	GetByID(ctx context.Context, id string) (*IoCRecord, error)
	Lookup(ctx context.Context, indicatorType IndicatorType, value string) (*IoCRecord, error)
	Search(ctx context.Context, filters *IndicatorFilters) ([]*IoCRecord, bool, error) // bool: hasMore

	// Lifecycle. ExpireStale only touches active rows; PurgeExpired only
	// removes rows already expired, regardless of age of active rows.
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)

	// BatchUpdateReputation applies all updates in one transaction,
	// clamping each score to [0,100].
	BatchUpdateReputation(ctx context.Context, updates []ReputationUpdate) error

	// ListIDs snapshots record ids for the recompute job.
	ListIDs(ctx context.Context, status IndicatorStatus) ([]string, error)
}

// EventStorage defines persistence for the append-only enriched event table.
type EventStorage interface {
	// InsertEvent is a no-op (false) when an event with the same hash
	// already exists.
	InsertEvent(ctx context.Context, event *EnrichedThreatEvent) (bool, error)
	InsertTrapCredentials(ctx context.Context, creds []TrapCredential) error
	ListEvents(ctx context.Context, filters *EventFilters) ([]*EnrichedThreatEvent, error)
	StatsForIndicator(ctx context.Context, indicator string) (*IndicatorEventStats, error)
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RuleStorage defines persistence for generated detection rules. Rules are
// insert-only; published content is never updated.
type RuleStorage interface {
	PublishRule(ctx context.Context, rule *ThreatCloudRule) error
	GetRule(ctx context.Context, id string) (*ThreatCloudRule, error)
	ListRulesSince(ctx context.Context, since time.Time, limit int) ([]*ThreatCloudRule, error)
}

// AuditStorage defines the append-only audit log.
type AuditStorage interface {
	AppendAudit(ctx context.Context, entry *AuditLogEntry) error
	QueryAudit(ctx context.Context, filters *AuditFilters) ([]*AuditLogEntry, error)
}
