package feed

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"threatcloud/core"
	"threatcloud/storage"

	"go.uber.org/zap"
)

func setupDistributor(t *testing.T, params Params) (*Distributor, *storage.SQLiteIndicatorStorage, *storage.SQLiteRuleStorage) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := zap.NewNop().Sugar()

	sqlite, err := storage.NewSQLite(dbPath, logger)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	indicators := storage.NewSQLiteIndicatorStorage(sqlite, logger)
	rules := storage.NewSQLiteRuleStorage(sqlite, logger)
	return NewDistributor(indicators, rules, params, logger), indicators, rules
}

func seedIndicator(t *testing.T, indicators *storage.SQLiteIndicatorStorage, value string, score float64, redistributable bool) *core.IoCRecord {
	metadata := map[string]string{}
	if redistributable {
		metadata[core.MetaRedistributable] = "true"
	}
	rec, _, err := indicators.Upsert(context.Background(), core.IndicatorInput{
		Value:    value,
		Source:   "feed-test",
		Metadata: metadata,
	})
	if err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	if err := indicators.BatchUpdateReputation(context.Background(), []core.ReputationUpdate{{ID: rec.ID, Score: score}}); err != nil {
		t.Fatalf("seed reputation update failed: %v", err)
	}
	return rec
}

func TestBlocklist_FiltersByReputationAndLicense(t *testing.T) {
	d, indicators, _ := setupDistributor(t, Params{MinReputation: 75, CacheTTL: time.Minute})
	ctx := context.Background()

	seedIndicator(t, indicators, "10.0.0.1", 90, true)     // Included
	seedIndicator(t, indicators, "10.0.0.2", 50, true)     // Below reputation floor
	seedIndicator(t, indicators, "10.0.0.3", 95, false)    // Not licensed for redistribution
	seedIndicator(t, indicators, "evil.example.com", 90, true)
	// URLs never appear in blocklists regardless of score
	seedIndicator(t, indicators, "http://evil.example.com/payload", 99, true)

	blocklist, err := d.Blocklist(ctx, 0)
	if err != nil {
		t.Fatalf("blocklist build failed: %v", err)
	}

	if !strings.Contains(blocklist, "10.0.0.1\n") {
		t.Error("high-reputation redistributable IP should be listed")
	}
	if strings.Contains(blocklist, "10.0.0.2") {
		t.Error("below-floor indicator must not be listed")
	}
	if strings.Contains(blocklist, "10.0.0.3") {
		t.Error("non-redistributable indicator must not be listed regardless of score")
	}
	if !strings.Contains(blocklist, "evil.example.com\n") {
		t.Error("high-reputation redistributable domain should be listed")
	}
	if strings.Contains(blocklist, "payload") {
		t.Error("URLs do not belong in the blocklist")
	}
	if !strings.HasPrefix(blocklist, "# threatcloud blocklist\n") {
		t.Error("blocklist should carry its header comment")
	}
}

func TestBlocklist_CachesWithinTTL(t *testing.T) {
	d, indicators, _ := setupDistributor(t, Params{MinReputation: 75, CacheTTL: time.Hour})
	ctx := context.Background()

	seedIndicator(t, indicators, "10.0.0.1", 90, true)

	first, err := d.Blocklist(ctx, 0)
	if err != nil {
		t.Fatalf("blocklist build failed: %v", err)
	}

	// New data lands after the build; within the TTL the cached copy serves
	seedIndicator(t, indicators, "10.0.0.2", 90, true)

	second, err := d.Blocklist(ctx, 0)
	if err != nil {
		t.Fatalf("cached blocklist failed: %v", err)
	}
	if first != second {
		t.Error("blocklist within the TTL should serve the cached build")
	}

	// A different reputation floor is a different cache key
	other, err := d.Blocklist(ctx, 85)
	if err != nil {
		t.Fatalf("blocklist with explicit floor failed: %v", err)
	}
	if !strings.Contains(other, "10.0.0.2") {
		t.Error("fresh build under a new cache key should see new data")
	}
}

func TestBlocklist_CapsEntries(t *testing.T) {
	d, indicators, _ := setupDistributor(t, Params{MinReputation: 50, CacheTTL: time.Minute, BlocklistMaxEntries: 2})
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		seedIndicator(t, indicators, ip, 90, true)
	}

	blocklist, err := d.Blocklist(ctx, 0)
	if err != nil {
		t.Fatalf("blocklist build failed: %v", err)
	}

	entries := 0
	for _, line := range strings.Split(blocklist, "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			entries++
		}
	}
	if entries != 2 {
		t.Errorf("expected blocklist capped at 2 entries, got %d", entries)
	}
}

func TestIoCFeed(t *testing.T) {
	d, indicators, _ := setupDistributor(t, Params{MinReputation: 75, CacheTTL: time.Minute})
	ctx := context.Background()

	included := seedIndicator(t, indicators, "10.0.0.1", 90, true)
	seedIndicator(t, indicators, "10.0.0.2", 90, false)
	seedIndicator(t, indicators, "10.0.0.3", 40, true)

	page, err := d.IoCFeed(ctx, 0, nil, 100, 0)
	if err != nil {
		t.Fatalf("feed build failed: %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("expected 1 feed entry, got %d", page.Count)
	}
	if page.Indicators[0].ID != included.ID {
		t.Errorf("wrong indicator in feed: %s", page.Indicators[0].Normalized)
	}

	future := time.Now().UTC().Add(time.Hour)
	empty, err := d.IoCFeed(ctx, 0, &future, 100, 0)
	if err != nil {
		t.Fatalf("feed with updated_since failed: %v", err)
	}
	if empty.Count != 0 {
		t.Errorf("future updated_since should return nothing, got %d", empty.Count)
	}
}

func TestBuildAgentBundle(t *testing.T) {
	d, indicators, rules := setupDistributor(t, Params{MinReputation: 75, CacheTTL: time.Minute})
	ctx := context.Background()
	base := time.Now().UTC().Add(-72 * time.Hour)

	seedIndicator(t, indicators, "10.0.0.1", 90, true)

	if err := rules.PublishRule(ctx, &core.ThreatCloudRule{
		ID: "rule-old", Content: "old", PublishedAt: base,
	}); err != nil {
		t.Fatalf("rule publish failed: %v", err)
	}
	if err := rules.PublishRule(ctx, &core.ThreatCloudRule{
		ID: "rule-new", Content: "new", PublishedAt: base.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("rule publish failed: %v", err)
	}

	bundle, err := d.BuildAgentBundle(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("bundle build failed: %v", err)
	}
	if bundle.RuleCount != 1 {
		t.Fatalf("expected 1 rule since cutoff, got %d", bundle.RuleCount)
	}
	if bundle.Rules[0].ID != "rule-new" {
		t.Errorf("wrong rule in bundle: %s", bundle.Rules[0].ID)
	}
	if bundle.IoCCount != 1 {
		t.Errorf("expected 1 indicator in bundle, got %d", bundle.IoCCount)
	}
	if bundle.GeneratedAt.IsZero() {
		t.Error("bundle should carry its generation time")
	}
}
