package correlate

import (
	"context"
	"testing"
	"time"

	"threatcloud/core"

	"go.uber.org/zap"
)

// fakeEventStorage serves canned events, honoring the Since/Until window.
type fakeEventStorage struct {
	events []*core.EnrichedThreatEvent
}

func (f *fakeEventStorage) InsertEvent(ctx context.Context, event *core.EnrichedThreatEvent) (bool, error) {
	f.events = append(f.events, event)
	return true, nil
}

func (f *fakeEventStorage) InsertTrapCredentials(ctx context.Context, creds []core.TrapCredential) error {
	return nil
}

func (f *fakeEventStorage) ListEvents(ctx context.Context, filters *core.EventFilters) ([]*core.EnrichedThreatEvent, error) {
	var out []*core.EnrichedThreatEvent
	for _, e := range f.events {
		if filters != nil && filters.Since != nil && e.Timestamp.Before(*filters.Since) {
			continue
		}
		if filters != nil && filters.Until != nil && !e.Timestamp.Before(*filters.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEventStorage) StatsForIndicator(ctx context.Context, indicator string) (*core.IndicatorEventStats, error) {
	return &core.IndicatorEventStats{}, nil
}

func (f *fakeEventStorage) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func newTestEngine(events []*core.EnrichedThreatEvent, params Params, now time.Time) *Engine {
	engine := NewEngine(&fakeEventStorage{events: events}, params, zap.NewNop().Sugar())
	engine.now = func() time.Time { return now }
	return engine
}

func event(id, indicator, technique, sourceType string, severity core.Severity, ts time.Time) *core.EnrichedThreatEvent {
	return &core.EnrichedThreatEvent{
		ID:         id,
		SourceType: sourceType,
		Indicator:  indicator,
		AttackType: "brute_force",
		Techniques: []string{technique},
		Severity:   severity,
		Timestamp:  ts,
	}
}

func TestScan_SharedIndicatorLinksAcrossTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Same technique, same indicator, far beyond time proximity
	events := []*core.EnrichedThreatEvent{
		event("e1", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-10*time.Hour)),
		event("e2", "10.0.0.1", "T1110", core.SourceTypeTrap, core.SeverityMedium, now.Add(-time.Hour)),
	}

	engine := newTestEngine(events, DefaultParams(), now)
	campaigns, err := engine.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(campaigns))
	}
	if campaigns[0].EventCount != 2 {
		t.Errorf("expected 2 member events, got %d", campaigns[0].EventCount)
	}
}

func TestScan_ProximityChainsDistinctIndicators(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Distinct indicators, same technique, 30 minutes apart: chained links
	events := []*core.EnrichedThreatEvent{
		event("e1", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-2*time.Hour)),
		event("e2", "10.0.0.2", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-90*time.Minute)),
		event("e3", "10.0.0.3", "T1110", core.SourceTypeTrap, core.SeverityCritical, now.Add(-time.Hour)),
	}

	engine := newTestEngine(events, DefaultParams(), now)
	campaigns, err := engine.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected 1 chained campaign, got %d", len(campaigns))
	}
	if campaigns[0].EventCount != 3 {
		t.Errorf("expected 3 member events, got %d", campaigns[0].EventCount)
	}
	if campaigns[0].Pattern.DistinctIndicators != 3 {
		t.Errorf("expected 3 distinct indicators, got %d", campaigns[0].Pattern.DistinctIndicators)
	}
	if campaigns[0].Pattern.DistinctSources != 2 {
		t.Errorf("expected 2 distinct sources, got %d", campaigns[0].Pattern.DistinctSources)
	}
}

func TestScan_DifferentTechniquesDoNotLink(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Same indicator and instant, but no technique overlap
	events := []*core.EnrichedThreatEvent{
		event("e1", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-time.Hour)),
		event("e2", "10.0.0.1", "T1021", core.SourceTypeGuard, core.SeverityHigh, now.Add(-time.Hour)),
	}

	engine := newTestEngine(events, DefaultParams(), now)
	campaigns, err := engine.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(campaigns) != 0 {
		t.Errorf("technique-disjoint events must not form a campaign, got %d", len(campaigns))
	}
}

func TestScan_DropsClustersBelowMinSize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*core.EnrichedThreatEvent{
		event("e1", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-8*time.Hour)),
		// Unrelated singleton: different technique, far away in time
		event("e2", "10.0.0.9", "T1566", core.SourceTypeTrap, core.SeverityLow, now.Add(-time.Hour)),
		event("e3", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-7*time.Hour)),
	}

	engine := newTestEngine(events, DefaultParams(), now)
	campaigns, err := engine.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected only the 2-event cluster, got %d campaigns", len(campaigns))
	}
	if campaigns[0].EventCount != 2 {
		t.Errorf("expected 2 member events, got %d", campaigns[0].EventCount)
	}
}

func TestScan_WindowExcludesOldEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*core.EnrichedThreatEvent{
		event("e1", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-48*time.Hour)),
		event("e2", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-47*time.Hour)),
		event("e3", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, now.Add(-time.Hour)),
	}

	engine := newTestEngine(events, DefaultParams(), now)
	campaigns, err := engine.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	// Only e3 is inside the 24h window: a singleton, so no campaign
	if len(campaigns) != 0 {
		t.Errorf("events outside the window must not participate, got %d campaigns", len(campaigns))
	}
}

func TestScan_PatternSummary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := now.Add(-3 * time.Hour)
	last := now.Add(-time.Hour)

	events := []*core.EnrichedThreatEvent{
		event("e1", "10.0.0.1", "T1110", core.SourceTypeGuard, core.SeverityHigh, first),
		event("e2", "10.0.0.1", "T1110", core.SourceTypeTrap, core.SeverityCritical, now.Add(-2*time.Hour)),
		{
			ID:         "e3",
			SourceType: core.SourceTypeGuard,
			Indicator:  "10.0.0.1",
			AttackType: "brute_force",
			Techniques: []string{"T1110", "T1021"},
			Severity:   core.SeverityHigh,
			Timestamp:  last,
		},
	}

	engine := newTestEngine(events, DefaultParams(), now)
	campaigns, err := engine.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(campaigns))
	}

	c := campaigns[0]
	if c.Pattern.DominantTechnique != "T1110" {
		t.Errorf("expected dominant technique T1110, got %s", c.Pattern.DominantTechnique)
	}
	if !c.FirstActivity.Equal(first) || !c.LastActivity.Equal(last) {
		t.Errorf("activity span wrong: %v - %v", c.FirstActivity, c.LastActivity)
	}
	if c.Pattern.SeverityHistogram["high"] != 2 || c.Pattern.SeverityHistogram["critical"] != 1 {
		t.Errorf("unexpected severity histogram: %v", c.Pattern.SeverityHistogram)
	}
	if c.ID == "" {
		t.Error("campaign id should be assigned")
	}
}
