// Package feed builds the read-only egress projections of the indicator
// store: plain-text blocklists, the JSON IoC feed, and agent update bundles.
// It consumes the core and never mutates it.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"threatcloud/core"
	"threatcloud/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Params holds the egress filtering knobs.
type Params struct {
	// MinReputation is the default score floor for public projections.
	MinReputation float64
	// CacheTTL bounds blocklist staleness between rebuilds.
	CacheTTL time.Duration
	// BlocklistMaxEntries caps the plain-text blocklist size.
	BlocklistMaxEntries int
}

// DefaultParams returns the stock egress settings.
func DefaultParams() Params {
	return Params{
		MinReputation:       75,
		CacheTTL:            5 * time.Minute,
		BlocklistMaxEntries: 100000,
	}
}

// Distributor serves egress projections. Blocklist builds are cached with a
// TTL: field consumers poll aggressively and the projection only changes as
// fast as the reputation recompute cadence.
type Distributor struct {
	indicators core.IndicatorStorage
	rules      core.RuleStorage
	params     Params
	cache      *expirable.LRU[string, string]
	logger     *zap.SugaredLogger
}

// NewDistributor creates a feed distributor.
func NewDistributor(indicators core.IndicatorStorage, rules core.RuleStorage, params Params, logger *zap.SugaredLogger) *Distributor {
	if params.MinReputation <= 0 {
		params.MinReputation = DefaultParams().MinReputation
	}
	if params.CacheTTL <= 0 {
		params.CacheTTL = DefaultParams().CacheTTL
	}
	if params.BlocklistMaxEntries <= 0 {
		params.BlocklistMaxEntries = DefaultParams().BlocklistMaxEntries
	}
	return &Distributor{
		indicators: indicators,
		rules:      rules,
		params:     params,
		cache:      expirable.NewLRU[string, string](8, nil, params.CacheTTL),
		logger:     logger,
	}
}

// Blocklist returns the plain-text blocklist of active IP and domain
// indicators at or above the reputation floor. Only indicators licensed for
// redistribution appear; everything else stays internal regardless of score.
func (d *Distributor) Blocklist(ctx context.Context, minReputation float64) (string, error) {
	if minReputation <= 0 {
		minReputation = d.params.MinReputation
	}

	cacheKey := fmt.Sprintf("blocklist:%.1f", minReputation)
	if cached, ok := d.cache.Get(cacheKey); ok {
		metrics.FeedRequests.WithLabelValues("blocklist").Inc()
		return cached, nil
	}

	var lines []string
	for _, indicatorType := range []core.IndicatorType{core.IndicatorTypeIP, core.IndicatorTypeDomain} {
		values, err := d.collect(ctx, indicatorType, minReputation, d.params.BlocklistMaxEntries-len(lines))
		if err != nil {
			return "", err
		}
		lines = append(lines, values...)
		if len(lines) >= d.params.BlocklistMaxEntries {
			break
		}
	}

	var b strings.Builder
	b.WriteString("# threatcloud blocklist\n")
	b.WriteString(fmt.Sprintf("# generated_at=%s min_reputation=%.1f entries=%d\n",
		time.Now().UTC().Format(time.RFC3339), minReputation, len(lines)))
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	blocklist := b.String()

	d.cache.Add(cacheKey, blocklist)
	metrics.FeedRequests.WithLabelValues("blocklist").Inc()
	return blocklist, nil
}

// collect pages through the store accumulating redistributable values.
func (d *Distributor) collect(ctx context.Context, indicatorType core.IndicatorType, minReputation float64, max int) ([]string, error) {
	var values []string
	offset := 0
	for max > 0 {
		page, hasMore, err := d.indicators.Search(ctx, &core.IndicatorFilters{
			Type:          indicatorType,
			Status:        core.IndicatorStatusActive,
			MinReputation: minReputation,
			Limit:         core.MaxSearchPageSize,
			Offset:        offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build blocklist page: %w", err)
		}
		for _, rec := range page {
			if !rec.IsRedistributable() {
				continue
			}
			values = append(values, rec.Normalized)
			if len(values) >= max {
				return values, nil
			}
		}
		if !hasMore {
			break
		}
		offset += len(page)
	}
	return values, nil
}

// IoCFeedPage is one page of the JSON indicator feed.
type IoCFeedPage struct {
	Indicators []*core.IoCRecord `json:"indicators"`
	Count      int               `json:"count"`
	HasMore    bool              `json:"has_more"`
	Offset     int               `json:"offset"`
}

// IoCFeed returns one page of redistributable indicators filtered by minimum
// reputation and last-update time.
func (d *Distributor) IoCFeed(ctx context.Context, minReputation float64, updatedSince *time.Time, limit, offset int) (*IoCFeedPage, error) {
	if minReputation <= 0 {
		minReputation = d.params.MinReputation
	}

	page, hasMore, err := d.indicators.Search(ctx, &core.IndicatorFilters{
		Status:        core.IndicatorStatusActive,
		MinReputation: minReputation,
		UpdatedSince:  updatedSince,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*core.IoCRecord, 0, len(page))
	for _, rec := range page {
		if rec.IsRedistributable() {
			out = append(out, rec)
		}
	}

	metrics.FeedRequests.WithLabelValues("ioc_feed").Inc()
	return &IoCFeedPage{
		Indicators: out,
		Count:      len(out),
		HasMore:    hasMore,
		Offset:     offset,
	}, nil
}

// AgentBundle is the update package pulled periodically by field agents with
// intermittent connectivity: new rules plus high-reputation indicators since
// the agent's last sync, and summary counts for cheap change detection.
// Agents are licensed consumers, so the redistribution flag does not apply.
type AgentBundle struct {
	Rules       []*core.ThreatCloudRule `json:"rules"`
	Indicators  []*core.IoCRecord       `json:"indicators"`
	RuleCount   int                     `json:"rule_count"`
	IoCCount    int                     `json:"ioc_count"`
	GeneratedAt time.Time               `json:"generated_at"`
	Since       time.Time               `json:"since"`
}

// BuildAgentBundle assembles the update bundle for everything published or
// updated at or after since.
func (d *Distributor) BuildAgentBundle(ctx context.Context, since time.Time) (*AgentBundle, error) {
	rules, err := d.rules.ListRulesSince(ctx, since, core.MaxSearchPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for bundle: %w", err)
	}

	indicators, _, err := d.indicators.Search(ctx, &core.IndicatorFilters{
		Status:        core.IndicatorStatusActive,
		MinReputation: d.params.MinReputation,
		UpdatedSince:  &since,
		Limit:         core.MaxSearchPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load indicators for bundle: %w", err)
	}

	metrics.FeedRequests.WithLabelValues("agent_bundle").Inc()
	return &AgentBundle{
		Rules:       rules,
		Indicators:  indicators,
		RuleCount:   len(rules),
		IoCCount:    len(indicators),
		GeneratedAt: time.Now().UTC(),
		Since:       since,
	}, nil
}
