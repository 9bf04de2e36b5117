package core

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Indicator Types and Constants
// =============================================================================

// IndicatorType represents the type of indicator of compromise
type IndicatorType string

const (
	IndicatorTypeIP     IndicatorType = "ip"
	IndicatorTypeDomain IndicatorType = "domain"
	IndicatorTypeURL    IndicatorType = "url"
	IndicatorTypeMD5    IndicatorType = "hash_md5"
	IndicatorTypeSHA1   IndicatorType = "hash_sha1"
	IndicatorTypeSHA256 IndicatorType = "hash_sha256"
)

// AllIndicatorTypes returns all valid indicator types for validation
var AllIndicatorTypes = []IndicatorType{
	IndicatorTypeIP, IndicatorTypeDomain, IndicatorTypeURL,
	IndicatorTypeMD5, IndicatorTypeSHA1, IndicatorTypeSHA256,
}

// IsValid checks if the indicator type is valid
func (t IndicatorType) IsValid() bool {
	for _, valid := range AllIndicatorTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// IndicatorStatus represents the lifecycle status of an indicator.
// There is no hard-delete status: expired records remain queryable until
// the purge job physically removes them after the retention window.
type IndicatorStatus string

const (
	IndicatorStatusActive  IndicatorStatus = "active"
	IndicatorStatusExpired IndicatorStatus = "expired"
)

// IsValid checks if the indicator status is valid
func (s IndicatorStatus) IsValid() bool {
	return s == IndicatorStatusActive || s == IndicatorStatusExpired
}

// Known metadata keys. Metadata is a typed string map rather than an open
// JSON blob so feed-specific flags stay forward-compatible without losing
// type safety.
const (
	// MetaRedistributable marks an indicator as licensed for outbound
	// public feeds ("true"/"false"). Absent means not redistributable.
	MetaRedistributable = "redistributable"
	// MetaFeedLicense carries the upstream feed's license identifier.
	MetaFeedLicense = "feed_license"
	// MetaRegion carries the anonymized reporting region.
	MetaRegion = "region"
)

// Maximum lengths for indicator fields
const (
	MaxIndicatorValueLength = 4096
	MaxIndicatorTagLength   = 100
	MaxIndicatorTagCount    = 50
)

// DefaultReputationScore seeds newly created indicators at a neutral value
// until the reputation engine's first recompute cycle.
const DefaultReputationScore = 50.0

// =============================================================================
// Normalization and Type Detection
// =============================================================================

var (
	// Hex pattern for hash detection - MD5(32), SHA1(40), SHA256(64)
	hexPattern = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// Normalize canonicalizes an indicator value for deduplication and matching.
// It is deterministic, total, and idempotent: Normalize(t, Normalize(t, v))
// always equals Normalize(t, v).
func Normalize(indicatorType IndicatorType, value string) string {
	normalized := strings.TrimSpace(value)

	switch indicatorType {
	case IndicatorTypeIP:
		// Strip a port suffix if present ("1.2.3.4:8080", "[::1]:443")
		if host, _, err := net.SplitHostPort(normalized); err == nil {
			if net.ParseIP(host) != nil {
				normalized = host
			}
		}
		// IPv6 hex is case-insensitive
		return strings.ToLower(normalized)
	case IndicatorTypeDomain:
		// Trailing dot is the DNS root label, not a distinct name
		return strings.TrimSuffix(strings.ToLower(normalized), ".")
	case IndicatorTypeURL:
		if parsed, err := url.Parse(normalized); err == nil && parsed.Host != "" {
			parsed.Scheme = strings.ToLower(parsed.Scheme)
			parsed.Host = strings.ToLower(parsed.Host)
			return strings.TrimSuffix(parsed.String(), "/")
		}
		return strings.TrimSuffix(normalized, "/")
	case IndicatorTypeMD5, IndicatorTypeSHA1, IndicatorTypeSHA256:
		// Hashes are hex, normalize to lowercase
		return strings.ToLower(normalized)
	default:
		return normalized
	}
}

// DetectType infers the indicator type from the value format. It is total:
// unknown formats fall back to domain typing rather than erroring, so
// ingestion never blocks on malformed input.
func DetectType(value string) IndicatorType {
	value = strings.TrimSpace(value)

	// IP address (IPv4 or IPv6)
	if net.ParseIP(value) != nil {
		return IndicatorTypeIP
	}

	// URL by scheme prefix
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return IndicatorTypeURL
	}

	// Hash by hex length
	if hexPattern.MatchString(value) {
		switch len(value) {
		case 64:
			return IndicatorTypeSHA256
		case 40:
			return IndicatorTypeSHA1
		case 32:
			return IndicatorTypeMD5
		}
	}

	return IndicatorTypeDomain
}

// =============================================================================
// IoCRecord
// =============================================================================

// IoCRecord represents a canonical indicator of compromise. The pair
// (Type, Normalized) is globally unique: every sighting of the same
// normalized value merges into the existing record.
type IoCRecord struct {
	ID         string          `json:"id"`
	Type       IndicatorType   `json:"type"`
	Value      string          `json:"value"`      // As first observed
	Normalized string          `json:"normalized"` // Dedup key, unique per type
	ThreatType string          `json:"threat_type,omitempty"`
	Source     string          `json:"source,omitempty"`
	Status     IndicatorStatus `json:"status"`

	// Confidence is the maximum confidence ever asserted by any sighting;
	// ReputationScore is engine-computed. Both are 0-100.
	Confidence      float64 `json:"confidence"`
	ReputationScore float64 `json:"reputation_score"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sightings int64     `json:"sightings"` // Monotonically increasing

	Tags     []string          `json:"tags,omitempty"`     // Union of all sightings' tags
	Metadata map[string]string `json:"metadata,omitempty"` // Known keys documented above

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRedistributable reports whether the indicator may appear in outbound
// public feeds.
func (r *IoCRecord) IsRedistributable() bool {
	return r.Metadata[MetaRedistributable] == "true"
}

// Validate checks the record's structural invariants.
func (r *IoCRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("indicator ID is required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid indicator type: %s", r.Type)
	}
	if r.Value == "" {
		return fmt.Errorf("indicator value cannot be empty")
	}
	if len(r.Value) > MaxIndicatorValueLength {
		return fmt.Errorf("indicator value exceeds maximum length of %d characters", MaxIndicatorValueLength)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid indicator status: %s", r.Status)
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("confidence must be between 0 and 100")
	}
	if r.ReputationScore < 0 || r.ReputationScore > 100 {
		return fmt.Errorf("reputation score must be between 0 and 100")
	}
	if r.Sightings < 1 {
		return fmt.Errorf("sightings must be at least 1")
	}
	if r.LastSeen.Before(r.FirstSeen) {
		return fmt.Errorf("last seen cannot precede first seen")
	}
	if len(r.Tags) > MaxIndicatorTagCount {
		return fmt.Errorf("too many tags (max %d)", MaxIndicatorTagCount)
	}
	for _, tag := range r.Tags {
		if len(tag) > MaxIndicatorTagLength {
			return fmt.Errorf("tag exceeds maximum length of %d characters", MaxIndicatorTagLength)
		}
	}
	return nil
}

// IndicatorInput describes one sighting to be merged into the store. Type may
// be left empty; it is then inferred with DetectType.
type IndicatorInput struct {
	Type       IndicatorType
	Value      string
	ThreatType string
	Source     string
	Confidence float64
	Tags       []string
	Metadata   map[string]string
	SeenAt     time.Time // Zero means now
}

// NewIoCRecord builds the initial record for a first sighting. The type is
// inferred when unset and the value normalized; the reputation score is
// seeded at the neutral default until the engine's first pass.
func NewIoCRecord(in IndicatorInput) *IoCRecord {
	indicatorType := in.Type
	if indicatorType == "" || !indicatorType.IsValid() {
		indicatorType = DetectType(in.Value)
	}

	seenAt := in.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	confidence := clampScore(in.Confidence)

	now := time.Now().UTC()
	rec := &IoCRecord{
		ID:              uuid.New().String(),
		Type:            indicatorType,
		Value:           strings.TrimSpace(in.Value),
		Normalized:      Normalize(indicatorType, in.Value),
		ThreatType:      in.ThreatType,
		Source:          in.Source,
		Status:          IndicatorStatusActive,
		Confidence:      confidence,
		ReputationScore: DefaultReputationScore,
		FirstSeen:       seenAt,
		LastSeen:        seenAt,
		Sightings:       1,
		Tags:            uniqueTags(in.Tags),
		Metadata:        map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for k, v := range in.Metadata {
		rec.Metadata[k] = v
	}
	return rec
}

// ApplySighting merges a subsequent sighting into the record: increments the
// sighting count, extends LastSeen, raises confidence to the max asserted,
// unions tags and metadata, and reactivates an expired record.
func (r *IoCRecord) ApplySighting(in IndicatorInput) {
	seenAt := in.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	r.Sightings++
	if seenAt.After(r.LastSeen) {
		r.LastSeen = seenAt
	}
	if c := clampScore(in.Confidence); c > r.Confidence {
		r.Confidence = c
	}
	if in.ThreatType != "" {
		r.ThreatType = in.ThreatType
	}
	r.Tags = uniqueTags(append(r.Tags, in.Tags...))
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	for k, v := range in.Metadata {
		r.Metadata[k] = v
	}
	if r.Status == IndicatorStatusExpired {
		r.Status = IndicatorStatusActive
	}
	r.UpdatedAt = time.Now().UTC()
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ClampScore bounds a score to the [0,100] range shared by confidence and
// reputation values.
func ClampScore(score float64) float64 {
	return clampScore(score)
}
