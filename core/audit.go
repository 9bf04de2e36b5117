package core

import (
	"time"
)

// AuditAction identifies the kind of mutating operation being recorded.
type AuditAction string

const (
	AuditActionUpsert           AuditAction = "ioc_upsert"
	AuditActionExpire           AuditAction = "ioc_expire"
	AuditActionPurge            AuditAction = "ioc_purge"
	AuditActionReputationUpdate AuditAction = "reputation_update"
	AuditActionEventIngest      AuditAction = "event_ingest"
	AuditActionRulePublish      AuditAction = "rule_publish"
)

// AuditLogEntry is one append-only record of a mutating operation. Entries
// are never mutated or deleted within the retention window.
type AuditLogEntry struct {
	ID       int64       `json:"id"`
	Action   AuditAction `json:"action"`
	Actor    string      `json:"actor"`     // Sensor, feed, or job identifier
	EntityID string      `json:"entity_id"` // Affected indicator/event/rule id
	Before   string      `json:"before,omitempty"`
	After    string      `json:"after,omitempty"`
	At       time.Time   `json:"at"`
}

// AuditFilters narrows audit queries for compliance review.
type AuditFilters struct {
	Action   AuditAction
	Actor    string
	EntityID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
