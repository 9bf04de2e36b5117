package core

import (
	"time"
)

// DetectedPattern summarizes one cluster of related threat events. Patterns
// are recomputed from scratch on every correlation scan rather than patched
// incrementally, since membership can change as new events arrive.
type DetectedPattern struct {
	DominantTechnique  string           `json:"dominant_technique"`
	Techniques         []string         `json:"techniques"`
	DistinctSources    int              `json:"distinct_sources"`
	DistinctIndicators int              `json:"distinct_indicators"`
	Indicators         []string         `json:"indicators"`
	SeverityHistogram  map[string]int64 `json:"severity_histogram"`
}

// Campaign is a cluster of threat events judged related: shared technique
// plus shared indicators or close time proximity.
type Campaign struct {
	ID            string          `json:"id"`
	EventIDs      []string        `json:"event_ids"`
	EventCount    int             `json:"event_count"`
	FirstActivity time.Time       `json:"first_activity"`
	LastActivity  time.Time       `json:"last_activity"`
	Pattern       DetectedPattern `json:"pattern"`
	DetectedAt    time.Time       `json:"detected_at"`
}
