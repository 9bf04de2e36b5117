// Package ingest converts boundary payloads from collaborators (endpoint
// agents, honeypots, feed importers) into the core's enriched events and
// indicator sightings.
package ingest

import (
	"strings"
	"time"

	"threatcloud/core"
)

// AnonymizedThreatData is the observation payload pushed by endpoint agents.
type AnonymizedThreatData struct {
	SensorID    string    `json:"sensor_id" validate:"required"`
	SourceIP    string    `json:"source_ip" validate:"required"`
	AttackType  string    `json:"attack_type" validate:"required"`
	Technique   string    `json:"technique"`
	RuleMatched string    `json:"rule_matched"`
	Severity    string    `json:"severity" validate:"omitempty,oneof=critical high medium low info"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	Region      string    `json:"region"`
}

// CredentialAttempt is one username/password pair tried against a honeypot.
type CredentialAttempt struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
	Attempts int64  `json:"attempts" validate:"omitempty,min=1"`
}

// TrapIntelligencePayload is the session summary pushed by honeypots.
type TrapIntelligencePayload struct {
	SensorID       string              `json:"sensor_id" validate:"required"`
	SourceIP       string              `json:"source_ip" validate:"required"`
	ServiceType    string              `json:"service_type" validate:"required"`
	Techniques     []string            `json:"techniques"`
	SkillLevel     string              `json:"skill_level" validate:"omitempty,oneof=novice intermediate advanced"`
	Intent         string              `json:"intent"`
	Tools          []string            `json:"tools"`
	TopCredentials []CredentialAttempt `json:"top_credentials" validate:"dive"`
	Timestamp      time.Time           `json:"timestamp" validate:"required"`
	Region         string              `json:"region"`
}

// ToEvent converts an agent observation into an enriched event. The source
// IP becomes the event's indicator after normalization.
func (d *AnonymizedThreatData) ToEvent() *core.EnrichedThreatEvent {
	severity := core.Severity(d.Severity)
	if !severity.IsValid() {
		severity = core.SeverityMedium
	}

	var techniques []string
	if d.Technique != "" {
		techniques = []string{d.Technique}
	}

	event := &core.EnrichedThreatEvent{
		SourceType: core.SourceTypeGuard,
		Indicator:  core.Normalize(core.IndicatorTypeIP, d.SourceIP),
		AttackType: d.AttackType,
		Techniques: techniques,
		Severity:   severity,
		Region:     d.Region,
		Timestamp:  d.Timestamp.UTC(),
	}
	event.Fingerprint()
	return event
}

// ToEvent converts a honeypot session into an enriched event. Severity is
// derived from the observed attacker profile: targeted intent or advanced
// tooling grades higher than opportunistic scanning.
func (p *TrapIntelligencePayload) ToEvent() *core.EnrichedThreatEvent {
	event := &core.EnrichedThreatEvent{
		SourceType:  core.SourceTypeTrap,
		Indicator:   core.Normalize(core.IndicatorTypeIP, p.SourceIP),
		AttackType:  p.ServiceType + "_intrusion",
		Techniques:  append([]string(nil), p.Techniques...),
		Severity:    p.severity(),
		ServiceType: p.ServiceType,
		SkillLevel:  p.SkillLevel,
		Intent:      p.Intent,
		Tools:       append([]string(nil), p.Tools...),
		Region:      p.Region,
		Timestamp:   p.Timestamp.UTC(),
	}
	event.Fingerprint()
	return event
}

func (p *TrapIntelligencePayload) severity() core.Severity {
	intent := strings.ToLower(p.Intent)
	if intent == "targeted" || p.SkillLevel == "advanced" {
		return core.SeverityHigh
	}
	if intent == "destructive" {
		return core.SeverityCritical
	}
	return core.SeverityMedium
}
