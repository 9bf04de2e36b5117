package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Severity
// =============================================================================

// Severity represents threat severity level
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AllSeverities returns all valid severities
var AllSeverities = []Severity{
	SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo,
}

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool {
	for _, valid := range AllSeverities {
		if s == valid {
			return true
		}
	}
	return false
}

// Rank returns an ordinal for severity comparison, higher is more severe.
// Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// EnrichedThreatEvent
// =============================================================================

// Source types for enriched events
const (
	SourceTypeGuard = "guard" // Endpoint agent detections
	SourceTypeTrap  = "trap"  // Honeypot sessions
	SourceTypeFeed  = "feed"  // External feed imports
)

// EnrichedThreatEvent is one normalized observation: the append-only
// substrate the reputation and correlation engines read. Events are never
// mutated after insert; EventHash deduplicates re-ingestion of the identical
// observation.
type EnrichedThreatEvent struct {
	ID         string   `json:"id"`
	EventHash  string   `json:"event_hash"`
	SourceType string   `json:"source_type"` // guard, trap, feed
	Indicator  string   `json:"indicator"`   // Normalized source IP or indicator value
	AttackType string   `json:"attack_type"`
	Techniques []string `json:"techniques,omitempty"` // MITRE T-IDs
	Severity   Severity `json:"severity"`

	// Honeypot-origin enrichment, empty for other sources
	ServiceType string   `json:"service_type,omitempty"`
	SkillLevel  string   `json:"skill_level,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	Tools       []string `json:"tools,omitempty"`

	Region     string    `json:"region,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ComputeEventHash derives the deduplication key from the fields that define
// observation identity. Two reports of the same attack from the same sensor
// at the same instant hash identically regardless of enrichment ordering.
func ComputeEventHash(sourceType, indicator, attackType string, techniques []string, timestamp time.Time) string {
	sorted := append([]string(nil), techniques...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(sourceType))
	h.Write([]byte{0})
	h.Write([]byte(indicator))
	h.Write([]byte{0})
	h.Write([]byte(attackType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(timestamp.UTC().Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint fills EventHash from the event's identity fields if unset.
func (e *EnrichedThreatEvent) Fingerprint() string {
	if e.EventHash == "" {
		e.EventHash = ComputeEventHash(e.SourceType, e.Indicator, e.AttackType, e.Techniques, e.Timestamp)
	}
	return e.EventHash
}

// TrapCredential is one credential attempt captured by a honeypot session,
// linked to its originating event.
type TrapCredential struct {
	EventID  string `json:"event_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Attempts int64  `json:"attempts"`
}

// EventFilters narrows event queries for the engines' snapshot reads.
type EventFilters struct {
	SourceType string
	Indicator  string
	Technique  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}
