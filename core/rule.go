package core

import (
	"time"
)

// ThreatCloudRule is a generated detection rule distributed to field agents.
// Rules are immutable once published: agents cache rules by id and must be
// able to trust that a given id's content never changes. A later scan that
// refines a pattern publishes a new rule id instead of editing an old one.
type ThreatCloudRule struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"` // Serialized detection logic
	Source      string    `json:"source"`  // Generator version and campaign id
	PublishedAt time.Time `json:"published_at"`
}

// RuleGenerationResult reports the outcome of one generation pass.
type RuleGenerationResult struct {
	Generated int               `json:"generated"`
	Skipped   int               `json:"skipped"` // Patterns below confidence thresholds
	Rules     []ThreatCloudRule `json:"rules"`
	Duration  time.Duration     `json:"duration"`
}
