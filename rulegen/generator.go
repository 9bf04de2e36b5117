// Package rulegen synthesizes detection rules from correlated campaign
// patterns for distribution to field agents.
package rulegen

import (
	"context"
	"fmt"
	"time"

	"threatcloud/core"
	"threatcloud/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Params holds the minimum-confidence thresholds a pattern must clear before
// it becomes a rule.
type Params struct {
	// MinSources is the minimum distinct source types in the pattern.
	MinSources int
	// MinIndicators is the minimum distinct indicators in the pattern.
	MinIndicators int
	// Generator is the version tag stamped into each rule's source field.
	Generator string
}

// DefaultParams returns the stock generation thresholds.
func DefaultParams() Params {
	return Params{
		MinSources:    3,
		MinIndicators: 2,
		Generator:     "threatcloud-rulegen/1",
	}
}

// Generator turns detected patterns into published rules.
type Generator struct {
	rules  core.RuleStorage
	params Params
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewGenerator creates a rule generator.
func NewGenerator(rules core.RuleStorage, params Params, logger *zap.SugaredLogger) *Generator {
	if params.MinSources < 1 {
		params.MinSources = DefaultParams().MinSources
	}
	if params.MinIndicators < 1 {
		params.MinIndicators = DefaultParams().MinIndicators
	}
	if params.Generator == "" {
		params.Generator = DefaultParams().Generator
	}
	return &Generator{
		rules:  rules,
		params: params,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ruleDocument is the serialized detection logic shipped to agents.
type ruleDocument struct {
	Title     string `yaml:"title"`
	Status    string `yaml:"status"`
	Detection struct {
		Technique  string   `yaml:"technique"`
		Indicators []string `yaml:"indicators"`
		Condition  string   `yaml:"condition"`
	} `yaml:"detection"`
	Stats struct {
		DistinctSources    int `yaml:"distinct_sources"`
		DistinctIndicators int `yaml:"distinct_indicators"`
		Events             int `yaml:"events"`
	} `yaml:"stats"`
	FirstActivity time.Time `yaml:"first_activity"`
	LastActivity  time.Time `yaml:"last_activity"`
}

// Generate publishes one new rule per campaign whose pattern clears the
// confidence thresholds. Published rules are immutable: a later scan that
// refines the same pattern publishes a fresh rule id, it never edits an
// existing one, because agents cache rules by id.
func (g *Generator) Generate(ctx context.Context, campaigns []*core.Campaign) (*core.RuleGenerationResult, error) {
	start := g.now()
	result := &core.RuleGenerationResult{}

	for _, campaign := range campaigns {
		pattern := campaign.Pattern
		if pattern.DistinctSources < g.params.MinSources || pattern.DistinctIndicators < g.params.MinIndicators {
			result.Skipped++
			continue
		}

		rule, err := g.synthesize(campaign)
		if err != nil {
			g.logger.Warnw("Failed to synthesize rule", "campaign_id", campaign.ID, "error", err)
			result.Skipped++
			continue
		}

		if err := g.rules.PublishRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("failed to publish rule for campaign %s: %w", campaign.ID, err)
		}
		metrics.RulesPublished.Inc()

		result.Generated++
		result.Rules = append(result.Rules, *rule)
	}

	result.Duration = g.now().Sub(start)
	g.logger.Infow("Rule generation finished",
		"generated", result.Generated, "skipped", result.Skipped, "duration", result.Duration)
	return result, nil
}

// synthesize encodes the pattern's technique/indicator signature as a
// matchable YAML condition.
func (g *Generator) synthesize(campaign *core.Campaign) (*core.ThreatCloudRule, error) {
	pattern := campaign.Pattern

	var doc ruleDocument
	doc.Title = fmt.Sprintf("Correlated activity: %s", pattern.DominantTechnique)
	doc.Status = "stable"
	doc.Detection.Technique = pattern.DominantTechnique
	doc.Detection.Indicators = pattern.Indicators
	doc.Detection.Condition = "technique and any_indicator"
	doc.Stats.DistinctSources = pattern.DistinctSources
	doc.Stats.DistinctIndicators = pattern.DistinctIndicators
	doc.Stats.Events = campaign.EventCount
	doc.FirstActivity = campaign.FirstActivity.UTC()
	doc.LastActivity = campaign.LastActivity.UTC()

	content, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize rule document: %w", err)
	}

	return &core.ThreatCloudRule{
		ID:          uuid.New().String(),
		Content:     string(content),
		Source:      fmt.Sprintf("%s campaign=%s", g.params.Generator, campaign.ID),
		PublishedAt: g.now(),
	}, nil
}
