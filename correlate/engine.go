// Package correlate clusters enriched threat events into campaigns: groups
// of observations sharing a MITRE technique plus indicator overlap or close
// time proximity.
package correlate

import (
	"context"
	"sort"
	"time"

	"threatcloud/core"
	"threatcloud/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Params holds the clustering thresholds. Tunable per deployment; the
// defaults are operational choices, not correctness requirements.
type Params struct {
	// Window is how far back each scan reads events.
	Window time.Duration
	// TimeProximity links same-technique events this close together even
	// without a shared indicator.
	TimeProximity time.Duration
	// MinClusterSize drops clusters with fewer member events.
	MinClusterSize int
}

// DefaultParams returns the stock clustering thresholds.
func DefaultParams() Params {
	return Params{
		Window:         24 * time.Hour,
		TimeProximity:  time.Hour,
		MinClusterSize: 2,
	}
}

// Engine runs correlation scans over the event store.
type Engine struct {
	events core.EventStorage
	params Params
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewEngine creates a correlation engine.
func NewEngine(events core.EventStorage, params Params, logger *zap.SugaredLogger) *Engine {
	if params.Window <= 0 {
		params.Window = DefaultParams().Window
	}
	if params.TimeProximity <= 0 {
		params.TimeProximity = DefaultParams().TimeProximity
	}
	if params.MinClusterSize < 2 {
		params.MinClusterSize = DefaultParams().MinClusterSize
	}
	return &Engine{
		events: events,
		params: params,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Scan clusters the events inside the window into campaigns. Each scan
// recomputes membership from scratch over the window rather than patching
// earlier results, so clusters never drift stale as new events arrive.
func (e *Engine) Scan(ctx context.Context) ([]*core.Campaign, error) {
	until := e.now()
	since := until.Add(-e.params.Window)

	events, err := e.events.ListEvents(ctx, &core.EventFilters{Since: &since, Until: &until})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	campaigns := e.cluster(events)
	metrics.CampaignsDetected.Add(float64(len(campaigns)))
	e.logger.Infow("Correlation scan finished",
		"events", len(events), "campaigns", len(campaigns), "window", e.params.Window)
	return campaigns, nil
}

// cluster is the single-pass grouping: two events join the same cluster when
// they share a technique AND (share a normalized indicator OR fall within
// the time proximity of each other).
func (e *Engine) cluster(events []*core.EnrichedThreatEvent) []*core.Campaign {
	uf := newUnionFind(len(events))

	// Index event positions by technique; linking only happens inside a
	// technique bucket.
	byTechnique := make(map[string][]int)
	for i, event := range events {
		for _, technique := range event.Techniques {
			byTechnique[technique] = append(byTechnique[technique], i)
		}
	}

	for _, members := range byTechnique {
		// Same indicator links regardless of time
		byIndicator := make(map[string]int)
		for _, idx := range members {
			indicator := events[idx].Indicator
			if indicator == "" {
				continue
			}
			if first, ok := byIndicator[indicator]; ok {
				uf.union(first, idx)
			} else {
				byIndicator[indicator] = idx
			}
		}

		// Temporal proximity links chain through consecutive events
		sorted := append([]int(nil), members...)
		sort.Slice(sorted, func(a, b int) bool {
			return events[sorted[a]].Timestamp.Before(events[sorted[b]].Timestamp)
		})
		for i := 1; i < len(sorted); i++ {
			prev, cur := sorted[i-1], sorted[i]
			if events[cur].Timestamp.Sub(events[prev].Timestamp) <= e.params.TimeProximity {
				uf.union(prev, cur)
			}
		}
	}

	// Collect components
	components := make(map[int][]int)
	for i := range events {
		root := uf.find(i)
		components[root] = append(components[root], i)
	}

	detectedAt := e.now()
	var campaigns []*core.Campaign
	for _, member := range components {
		if len(member) < e.params.MinClusterSize {
			continue
		}
		campaigns = append(campaigns, e.summarize(events, member, detectedAt))
	}

	// Deterministic output order for downstream consumers
	sort.Slice(campaigns, func(a, b int) bool {
		if !campaigns[a].FirstActivity.Equal(campaigns[b].FirstActivity) {
			return campaigns[a].FirstActivity.Before(campaigns[b].FirstActivity)
		}
		return campaigns[a].EventCount > campaigns[b].EventCount
	})
	return campaigns
}

// summarize builds the campaign record and its DetectedPattern statistics.
func (e *Engine) summarize(events []*core.EnrichedThreatEvent, member []int, detectedAt time.Time) *core.Campaign {
	techniqueCounts := make(map[string]int)
	sources := make(map[string]struct{})
	indicators := make(map[string]struct{})
	histogram := make(map[string]int64)

	campaign := &core.Campaign{
		ID:         uuid.New().String(),
		DetectedAt: detectedAt,
	}

	for _, idx := range member {
		event := events[idx]
		campaign.EventIDs = append(campaign.EventIDs, event.ID)

		if campaign.FirstActivity.IsZero() || event.Timestamp.Before(campaign.FirstActivity) {
			campaign.FirstActivity = event.Timestamp
		}
		if event.Timestamp.After(campaign.LastActivity) {
			campaign.LastActivity = event.Timestamp
		}

		for _, technique := range event.Techniques {
			techniqueCounts[technique]++
		}
		if event.SourceType != "" {
			sources[event.SourceType] = struct{}{}
		}
		if event.Indicator != "" {
			indicators[event.Indicator] = struct{}{}
		}
		histogram[string(event.Severity)]++
	}
	campaign.EventCount = len(member)

	pattern := core.DetectedPattern{
		DistinctSources:    len(sources),
		DistinctIndicators: len(indicators),
		SeverityHistogram:  histogram,
	}
	for technique, count := range techniqueCounts {
		pattern.Techniques = append(pattern.Techniques, technique)
		if pattern.DominantTechnique == "" ||
			count > techniqueCounts[pattern.DominantTechnique] ||
			(count == techniqueCounts[pattern.DominantTechnique] && technique < pattern.DominantTechnique) {
			pattern.DominantTechnique = technique
		}
	}
	sort.Strings(pattern.Techniques)
	for indicator := range indicators {
		pattern.Indicators = append(pattern.Indicators, indicator)
	}
	sort.Strings(pattern.Indicators)

	campaign.Pattern = pattern
	return campaign
}

// =============================================================================
// Union-find
// =============================================================================

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]] // Path halving
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
